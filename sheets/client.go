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
	"fmt"
	"os"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/benchrig/benchd/logger"
)

// Client wraps the Sheets API for worker use. In dry-run mode no
// service is built and every write is logged instead of sent.
type Client struct {
	spreadsheetID string
	dryRun        bool
	svc           *sheetsapi.Service
}

var newClient = buildClient

func buildClient(ctx context.Context, cfg Config) (*Client, error) {
	cl := &Client{
		spreadsheetID: cfg.SpreadsheetID,
		dryRun:        cfg.DryRun,
	}
	if cfg.DryRun {
		return cl, nil
	}
	if cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("cannot build sheets client: no credentials file configured")
	}
	creds, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("cannot read sheets credentials: %v", err)
	}
	jwt, err := google.JWTConfigFromJSON(creds, sheetsapi.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("cannot parse sheets credentials: %v", err)
	}
	svc, err := sheetsapi.NewService(ctx, option.WithHTTPClient(jwt.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("cannot build sheets service: %v", err)
	}
	cl.svc = svc
	return cl, nil
}

// AppendRows appends rows after the given A1 range.
func (c *Client) AppendRows(ctx context.Context, a1Range string, rows [][]interface{}) error {
	if c.dryRun {
		logger.Noticef("sheets: dry-run append of %d rows to %s!%s", len(rows), c.spreadsheetID, a1Range)
		return nil
	}
	vr := &sheetsapi.ValueRange{Values: rows}
	_, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, a1Range, vr).
		ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("cannot append rows: %v", err)
	}
	return nil
}

// UpdateRange overwrites the given A1 range.
func (c *Client) UpdateRange(ctx context.Context, a1Range string, rows [][]interface{}) error {
	if c.dryRun {
		logger.Noticef("sheets: dry-run update of %s!%s", c.spreadsheetID, a1Range)
		return nil
	}
	vr := &sheetsapi.ValueRange{Values: rows}
	_, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, a1Range, vr).
		ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("cannot update range: %v", err)
	}
	return nil
}

// ReadRange reads the given A1 range.
func (c *Client) ReadRange(ctx context.Context, a1Range string) ([][]interface{}, error) {
	if c.dryRun {
		return nil, nil
	}
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, a1Range).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("cannot read range: %v", err)
	}
	return resp.Values, nil
}

// warm makes the cheapest authenticated call available to verify the
// credentials actually work.
func (c *Client) warm(ctx context.Context) error {
	if c.dryRun {
		return nil
	}
	_, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("spreadsheetId").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("cannot warm up sheets auth: %v", err)
	}
	return nil
}
