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

package orchestrator

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/benchrig/benchd/logger"
)

// HostStats is the meta.host sub-document.
type HostStats struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemPercent float64 `json:"memPercent"`
	Load1      float64 `json:"load1"`
}

var hostSampleInterval = 5 * time.Second

var sampleHost = func() (HostStats, error) {
	var stats HostStats
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return stats, err
	}
	if len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return stats, err
	}
	stats.MemPercent = vm.UsedPercent
	avg, err := load.Avg()
	if err != nil {
		return stats, err
	}
	stats.Load1 = avg.Load1
	return stats, nil
}

// MockSampleHost replaces the host sampler for tests.
func MockSampleHost(f func() (HostStats, error)) (restore func()) {
	old := sampleHost
	sampleHost = f
	return func() {
		sampleHost = old
	}
}

func (o *Orchestrator) sampleLoop() error {
	o.sampleOnce()
	ticker := time.NewTicker(hostSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.tmb.Dying():
			return nil
		case <-ticker.C:
			o.sampleOnce()
		}
	}
}

func (o *Orchestrator) sampleOnce() {
	stats, err := sampleHost()
	if err != nil {
		logger.Debugf("orchestrator: cannot sample host stats: %v", err)
		return
	}
	o.commitMeta(func(m *metaSlice) { m.Host = stats })
}
