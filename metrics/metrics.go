// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2024 Benchrig Systems
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package metrics defines the prometheus collectors exported on
// /metrics. Collectors are package-level so any subsystem can count
// without plumbing a registry around.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BusPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "benchd_bus_publishes_total",
		Help: "Bus events published, by topic.",
	}, []string{"topic"})

	BusEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "benchd_bus_subscriber_evictions_total",
		Help: "Subscribers evicted for backpressure.",
	})

	BusRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "benchd_bus_rejected_publishes_total",
		Help: "Publishes rejected by safety-critical validation.",
	})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "benchd_ws_clients",
		Help: "Open WebSocket connections.",
	})

	WSFramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "benchd_ws_frames_sent_total",
		Help: "WebSocket frames sent, by frame type.",
	}, []string{"type"})

	DriverReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "benchd_driver_reconnects_total",
		Help: "Driver reconnection attempts, by device.",
	}, []string{"device"})

	OpOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "benchd_device_operations_total",
		Help: "Device operations by kind and terminal outcome.",
	}, []string{"kind", "outcome"})

	SheetsTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "benchd_sheets_tasks_total",
		Help: "Sheets tasks by pool and outcome.",
	}, []string{"pool", "outcome"})

	IngestAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "benchd_logs_ingest_accepted_total",
		Help: "Sidecar log frames accepted.",
	})

	IngestLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "benchd_logs_ingest_limited_total",
		Help: "Sidecar log frames dropped by rate limiting.",
	})

	DiscoveryProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "benchd_discovery_probes_total",
		Help: "Identify probes by result (matched, mismatched, timeout).",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
