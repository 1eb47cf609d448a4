/*
Copyright 2024 The Shellway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// supervisord is the Connection Supervisor daemon binary: it wires a
// supervisor.Service and its Dispatcher, and optionally a loopback
// monitor, then blocks until a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/shellway/supervisor/lib/dispatcher"
	"github.com/shellway/supervisor/lib/logging"
	"github.com/shellway/supervisor/lib/monitor"
	"github.com/shellway/supervisor/lib/supervisor"
)

var (
	logLevel    = flag.String("log_level", "info", "Log level to use")
	monitorAddr = flag.String("monitor_addr", "", "Loopback address for the debug event monitor (empty disables it)")
)

func main() {
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		level = log.InfoLevel
	}
	logging.Init(logging.ForDaemon, level)

	if err := run(); err != nil {
		log.Fatal(trace.Wrap(err))
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := supervisor.New(supervisor.Config{
		Clock: clockwork.NewRealClock(),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer svc.Close()

	_ = dispatcher.New(svc)

	if *monitorAddr != "" {
		mon := monitor.New(svc.Bus)
		resolved, err := mon.Start(*monitorAddr)
		if err != nil {
			return trace.Wrap(err)
		}
		log.WithField("addr", resolved).Info("event monitor listening")
		defer mon.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
	}

	svc.DisconnectAll()
	return nil
}
