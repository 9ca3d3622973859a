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

// Package config loads benchd.yaml and overlays the environment on top
// of it. Every numeric environment override falls back to the file (or
// built-in) value when unset or unparsable.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/benchrig/benchd/discovery"
	"github.com/benchrig/benchd/osutil"
)

// Config is the full benchd configuration.
type Config struct {
	Server   Server               `yaml:"server"`
	Matchers []*discovery.Matcher `yaml:"matchers"`
	Devices  Devices              `yaml:"devices"`
	Sheets   Sheets               `yaml:"sheets"`
	Sidecar  Sidecar              `yaml:"sidecar"`
	// Layout is the dashboard pane layout, carried verbatim into the
	// layout state slice.
	Layout map[string]interface{} `yaml:"layout"`
}

// Server configures the HTTP/WS surface.
type Server struct {
	Addr            string  `yaml:"addr"`
	LogsIngestToken string  `yaml:"logsIngestToken"`
	IngestRate      float64 `yaml:"ingestRatePerSec"`
	IngestBurst     int64   `yaml:"ingestBurst"`

	// WS client tuning, served to dashboards via the serverConfig
	// slice; WS_* env vars override.
	WSHeartbeatInterval time.Duration `yaml:"-"`
	WSHeartbeatTimeout  time.Duration `yaml:"-"`
	WSReconnectMin      time.Duration `yaml:"-"`
	WSReconnectMax      time.Duration `yaml:"-"`
}

// Devices carries per-driver tuning.
type Devices struct {
	Discovery DiscoverySettings `yaml:"discovery"`
	Mouse     MouseSettings     `yaml:"mouse"`
	Keyboard  KeyboardSettings  `yaml:"keyboard"`
	Printer   PrinterSettings   `yaml:"printer"`
	CFImager  CFImagerSettings  `yaml:"cfimager"`
	Backoff   BackoffSettings   `yaml:"backoff"`
}

type DiscoverySettings struct {
	RescanIntervalMs int `yaml:"rescanIntervalMs"`
	BaudRate         int `yaml:"baudRate"`
	IdentifyTimeout  int `yaml:"identifyTimeoutMs"`
	IdentifyRetries  int `yaml:"identifyRetries"`
}

type MouseSettings struct {
	TickHz          int     `yaml:"tickHz"`
	PerTickMaxDelta int     `yaml:"perTickMaxDelta"`
	Gain            float64 `yaml:"gain"`
	GridWidth       int     `yaml:"gridWidth"`
	GridHeight      int     `yaml:"gridHeight"`
	AccelBase       float64 `yaml:"accelBase"`
	AccelMax        float64 `yaml:"accelMax"`
	AccelVelMax     float64 `yaml:"accelVelMax"`
}

type KeyboardSettings struct {
	InterKeyDelayMs int `yaml:"interKeyDelayMs"`
}

type PrinterSettings struct {
	IdleFlushMs    int `yaml:"idleFlushMs"`
	PreviewColumns int `yaml:"previewColumns"`
	HistoryLimit   int `yaml:"historyLimit"`
}

type CFImagerSettings struct {
	StagingDir string `yaml:"stagingDir"`
}

type BackoffSettings struct {
	BaseMs      int `yaml:"baseMs"`
	MaxMs       int `yaml:"maxMs"`
	MaxAttempts int `yaml:"maxAttempts"`
}

// Sheets configures the worker-pool host.
type Sheets struct {
	SpreadsheetID   string       `yaml:"spreadsheetId"`
	CredentialsFile string       `yaml:"credentialsFile"`
	DryRun          bool         `yaml:"dryRun"`
	LockMode        string       `yaml:"lockMode"`
	AuthMode        string       `yaml:"authMode"`
	Blocking        PoolSettings `yaml:"blocking"`
	Background      PoolSettings `yaml:"background"`
}

type PoolSettings struct {
	Size       int `yaml:"size"`
	MaxPending int `yaml:"maxPending"`
	TimeoutMs  int `yaml:"timeoutMs"`
}

// Sidecar locates the camera sidecar whose MJPEG stream the daemon
// proxies.
type Sidecar struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	StaleMs int           `yaml:"staleMs"`
	Stale   time.Duration `yaml:"-"`
}

// Load reads path and overlays the environment. A missing file yields
// the defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %v", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %v", err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":9180"
	}
	if cfg.Server.IngestRate <= 0 {
		cfg.Server.IngestRate = 50
	}
	if cfg.Server.IngestBurst <= 0 {
		cfg.Server.IngestBurst = 100
	}
	if cfg.Devices.Discovery.RescanIntervalMs <= 0 {
		cfg.Devices.Discovery.RescanIntervalMs = 2000
	}
	if cfg.Devices.Discovery.BaudRate <= 0 {
		cfg.Devices.Discovery.BaudRate = 115200
	}
	if cfg.Devices.Discovery.IdentifyTimeout <= 0 {
		cfg.Devices.Discovery.IdentifyTimeout = 5000
	}
	if cfg.Devices.Discovery.IdentifyRetries <= 0 {
		cfg.Devices.Discovery.IdentifyRetries = 2
	}
	if cfg.Sidecar.Host == "" {
		cfg.Sidecar.Host = "127.0.0.1"
	}
	if cfg.Sidecar.Port <= 0 {
		cfg.Sidecar.Port = 8081
	}
	if cfg.Sidecar.StaleMs <= 0 {
		cfg.Sidecar.StaleMs = 10000
	}
}

func (cfg *Config) applyEnv() {
	cfg.Server.WSHeartbeatInterval = osutil.GetenvMillis("WS_HEARTBEAT_INTERVAL_MS", 15*time.Second)
	cfg.Server.WSHeartbeatTimeout = osutil.GetenvMillis("WS_HEARTBEAT_TIMEOUT_MS", 45*time.Second)
	cfg.Server.WSReconnectMin = osutil.GetenvMillis("WS_RECONNECT_MIN_MS", time.Second)
	cfg.Server.WSReconnectMax = osutil.GetenvMillis("WS_RECONNECT_MAX_MS", 30*time.Second)
	cfg.Server.LogsIngestToken = osutil.GetenvString("LOGS_INGEST_TOKEN", cfg.Server.LogsIngestToken)

	cfg.Sheets.SpreadsheetID = osutil.GetenvString("SHEETS_SPREADSHEET_ID", cfg.Sheets.SpreadsheetID)
	cfg.Sheets.CredentialsFile = osutil.GetenvString("SHEETS_CREDENTIALS_FILE", cfg.Sheets.CredentialsFile)
	cfg.Sheets.DryRun = osutil.GetenvBool("SHEETS_DRY_RUN", cfg.Sheets.DryRun)
	cfg.Sheets.LockMode = osutil.GetenvString("SHEETS_LOCK_MODE", cfg.Sheets.LockMode)
	cfg.Sheets.AuthMode = osutil.GetenvString("SHEETS_AUTH_MODE", cfg.Sheets.AuthMode)

	cfg.Sidecar.Host = osutil.GetenvString("SIDECAR_HOST", cfg.Sidecar.Host)
	if port := osutil.GetenvInt64("SIDECAR_PORT"); port > 0 {
		cfg.Sidecar.Port = int(port)
	}
	cfg.Sidecar.Stale = osutil.GetenvMillis("SIDECAR_STALE_MS", time.Duration(cfg.Sidecar.StaleMs)*time.Millisecond)
}

func (cfg *Config) validate() error {
	for _, m := range cfg.Matchers {
		if m == nil {
			return fmt.Errorf("cannot use empty matcher entry")
		}
		if m.Kind == "" {
			return fmt.Errorf("cannot use matcher without a kind")
		}
	}
	return nil
}

// LayoutJSON renders the layout document as JSON for the layout slice.
// yaml.v2 produces map[interface{}]interface{} nesting, which json
// cannot marshal directly.
func (cfg *Config) LayoutJSON() (json.RawMessage, error) {
	if cfg.Layout == nil {
		return json.RawMessage(`{}`), nil
	}
	normalized := normalizeYAML(cfg.Layout)
	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("cannot render layout: %v", err)
	}
	return data, nil
}

func normalizeYAML(v interface{}) interface{} {
	switch v := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			out[fmt.Sprintf("%v", key)] = normalizeYAML(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			out[key] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
