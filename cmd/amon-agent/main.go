// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The amon-agent binary runs inside one machine or server zone. It polls
// the local relay socket for its probe manifest, runs the assigned probes,
// and sends the events they raise back through the same socket.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smartdc/amon/pkg/agent"
	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/probes"
	"github.com/smartdc/amon/pkg/probes/logscan"
	"github.com/smartdc/amon/pkg/probes/machineup"
)

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("amon-agent", "The Amon in-zone probe agent")
	a.HelpFlag.Short('h')
	cfg := agent.Config{}
	a.Flag("socket", "Path of the relay's unix socket for this zone.").
		Required().StringVar(&cfg.SocketPath)
	a.Flag("poll-interval", "Manifest poll interval.").
		Default("30s").DurationVar(&cfg.PollInterval)
	metricsAddress := a.Flag("web.metrics-address", "Address to expose Prometheus metrics on. Empty disables the listener.").
		Default("").String()

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "parsing flags failed", "err", err)
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// TODO: wire a machineup.Stater to the platform's zone lifecycle bus for
	// global agents; until then machine-up instances fail construction and
	// are reported through the failure counter.
	probeReg, err := probes.NewRegistry(logscan.NewType(), machineup.NewType(nil))
	if err != nil {
		_ = level.Error(logger).Log("msg", "building probe registry failed", "err", err)
		os.Exit(1)
	}

	client := agent.NewRelayClient(cfg.SocketPath)
	runner := agent.NewRunner(log.With(logger, "component", "runner"), probeReg, reg,
		func(ctx context.Context, ev *api.Event) error {
			return client.PostEvent(ctx, ev)
		})
	ag := agent.New(logger, reg, cfg, client, runner)

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return ag.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	if *metricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		server := &http.Server{Addr: *metricsAddress, Handler: mux}
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "serving metrics", "address", *metricsAddress)
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		})
	}
	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "exiting with error", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "exiting")
}
