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

// The amon-relay binary runs on every compute node. It mirrors probe
// manifests from the master to local disk, serves them to agents over
// per-target unix sockets, and forwards agent events upstream.
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

	"github.com/smartdc/amon/pkg/relay"
)

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("amon-relay", "The Amon per-node relay")
	a.HelpFlag.Short('h')
	cfg := relay.Config{}
	a.Flag("master.url", "Base URL of the Amon master API.").
		Required().StringVar(&cfg.MasterURL)
	a.Flag("data-dir", "Directory for mirrored manifests.").
		Default("/var/db/amon-relay").StringVar(&cfg.DataDir)
	a.Flag("socket-dir", "Directory for per-target agent sockets.").
		Default("/var/run/amon-relay").StringVar(&cfg.SocketDir)
	a.Flag("targets-file", "JSON file listing the targets to serve.").
		Default("/var/db/amon-relay/targets.json").StringVar(&cfg.TargetsFile)
	a.Flag("poll-interval", "Manifest poll interval per target.").
		Default("30s").DurationVar(&cfg.PollInterval)
	metricsAddress := a.Flag("web.metrics-address", "Address to expose Prometheus metrics on.").
		Default(":9132").String()

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "parsing flags failed", "err", err)
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r, err := relay.New(logger, reg, cfg)
	if err != nil {
		_ = level.Error(logger).Log("msg", "building relay failed", "err", err)
		os.Exit(1)
	}

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
			return r.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
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
