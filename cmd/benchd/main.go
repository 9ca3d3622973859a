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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/daemon"
	"github.com/jessevdk/go-flags"

	"github.com/benchrig/benchd/config"
	"github.com/benchrig/benchd/logger"
	"github.com/benchrig/benchd/orchestrator"
	"github.com/benchrig/benchd/osutil"
)

// Version is set at link time.
var Version = "unknown"

type options struct {
	Config  string `long:"config" short:"c" description:"Path to benchd.yaml" default:"/etc/benchd/benchd.yaml"`
	Addr    string `long:"addr" description:"Listen address override"`
	Version bool   `long:"version" description:"Print the version and exit"`
}

func init() {
	if err := logger.SimpleSetup(); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: failed to activate logging: %s\n", err)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runWatchdog pings systemd at half the configured watchdog interval.
func runWatchdog(stop <-chan struct{}) (*time.Ticker, error) {
	if os.Getenv("WATCHDOG_USEC") == "" {
		// not running under systemd
		return nil, nil
	}
	usec := osutil.GetenvInt64("WATCHDOG_USEC")
	if usec == 0 {
		return nil, fmt.Errorf("cannot parse WATCHDOG_USEC: %q", os.Getenv("WATCHDOG_USEC"))
	}
	dur := time.Duration(usec/2) * time.Microsecond
	logger.Debugf("setting up sd_notify() watchdog timer every %s", dur)
	wt := time.NewTicker(dur)

	go func() {
		for {
			select {
			case <-wt.C:
				sd.SdNotify(false, "WATCHDOG=1")
			case <-stop:
				return
			}
		}
	}()
	return wt, nil
}

func run() error {
	t0 := time.Now().Truncate(time.Millisecond)

	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, e.Message)
			return nil
		}
		return err
	}
	if opts.Version {
		fmt.Fprintf(os.Stdout, "benchd %s\n", Version)
		return nil
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	o, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}
	if err := o.StartUp(); err != nil {
		return err
	}

	stop := make(chan struct{})
	watchdog, err := runWatchdog(stop)
	if err != nil {
		return fmt.Errorf("cannot run software watchdog: %v", err)
	}
	if watchdog != nil {
		defer watchdog.Stop()
	}
	defer close(stop)

	sd.SdNotify(false, "READY=1")
	logger.Debugf("activation done in %v", time.Now().Truncate(time.Millisecond).Sub(t0))

	sig := <-ch
	logger.Noticef("exiting on %s signal", sig)
	sd.SdNotify(false, "STOPPING=1")

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()
	return o.Stop(ctx)
}
