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

// The amon-master binary serves the public monitoring API, builds the probe
// manifests relays poll for, and dispatches inbound events to notification
// plugins.
package main

import (
	"context"
	"fmt"
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

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/cache"
	"github.com/smartdc/amon/pkg/directory"
	"github.com/smartdc/amon/pkg/mapi"
	"github.com/smartdc/amon/pkg/master"
	"github.com/smartdc/amon/pkg/notify"
	"github.com/smartdc/amon/pkg/notify/email"
	"github.com/smartdc/amon/pkg/notify/webhook"
	"github.com/smartdc/amon/pkg/probes"
	"github.com/smartdc/amon/pkg/probes/logscan"
	"github.com/smartdc/amon/pkg/probes/machineup"
)

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("amon-master", "The Amon master API server")
	a.HelpFlag.Short('h')
	configFile := a.Flag("config", "Path to the master JSON config file.").
		Default("/opt/smartdc/amon/etc/master.json").String()
	metricsAddress := a.Flag("web.metrics-address", "Address to expose Prometheus metrics on.").
		Default(":9131").String()

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "parsing flags failed", "err", err)
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cfg, err := master.LoadConfig(*configFile)
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading config failed", "err", err)
		os.Exit(1)
	}

	dir, err := directory.DialLDAP(log.With(logger, "component", "ufds"), reg, cfg.UFDS)
	if err != nil {
		_ = level.Error(logger).Log("msg", "connecting to UFDS failed", "err", err)
		os.Exit(1)
	}
	defer dir.Close()

	mapiClient, err := mapi.New(log.With(logger, "component", "mapi"), reg, cfg.MAPI)
	if err != nil {
		_ = level.Error(logger).Log("msg", "building MAPI client failed", "err", err)
		os.Exit(1)
	}

	var notifiers []notify.Notifier
	if c := cfg.NotificationPlugins.Email; c != nil {
		n, err := email.New(log.With(logger, "component", "notify-email"), *c)
		if err != nil {
			_ = level.Error(logger).Log("msg", "email plugin config invalid", "err", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, n)
	}
	if c := cfg.NotificationPlugins.Webhook; c != nil {
		n, err := webhook.New(log.With(logger, "component", "notify-webhook"), *c)
		if err != nil {
			_ = level.Error(logger).Log("msg", "webhook plugin config invalid", "err", err)
			os.Exit(1)
		}
		notifiers = append(notifiers, n)
	}
	notifyReg, err := notify.NewRegistry(notifiers...)
	if err != nil {
		_ = level.Error(logger).Log("msg", "building notifier registry failed", "err", err)
		os.Exit(1)
	}

	// The master registers probe types for validation only; instances run on
	// agents, so the machine-up type needs no stater here.
	probeReg, err := probes.NewRegistry(logscan.NewType(), machineup.NewType(nil))
	if err != nil {
		_ = level.Error(logger).Log("msg", "building probe registry failed", "err", err)
		os.Exit(1)
	}

	cacheMetrics := cache.NewMetrics(reg)
	acctCache := cache.New(logger, cacheMetrics, "account", cfg.AccountCache)
	probeCache := cache.New(logger, cacheMetrics, "probe", cfg.ProbeCache)

	accounts := master.NewAccounts(log.With(logger, "component", "accounts"), dir, acctCache)
	machines := master.NewMachines(probeCache, mapiClient)
	store := master.NewStore(log.With(logger, "component", "store"), dir, probeCache, probeReg)
	authorizer := master.NewAuthorizer(log.With(logger, "component", "authz"), accounts, machines)
	manifests := master.NewManifests(log.With(logger, "component", "manifests"), store, machines, probeCache)
	dispatcher := master.NewDispatcher(log.With(logger, "component", "dispatch"), reg, store, accounts, notifyReg, probeCache)
	handler := master.NewHandler(log.With(logger, "component", "http"), reg, accounts, store, authorizer, dispatcher, manifests)

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
		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: handler,
		}
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "listening", "address", server.Addr, "version", api.Version)
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
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
