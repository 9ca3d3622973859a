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

package sheets

import (
	"context"
)

// MockNewClient replaces the per-worker client constructor.
func MockNewClient(f func(ctx context.Context, cfg Config) (*Client, error)) (restore func()) {
	old := newClient
	newClient = f
	return func() {
		newClient = old
	}
}

// NewDryRunClient builds a client that never touches the network.
func NewDryRunClient(spreadsheetID string) *Client {
	return &Client{spreadsheetID: spreadsheetID, dryRun: true}
}
