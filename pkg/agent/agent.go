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

// Package agent runs probes inside one machine or server zone. It polls the
// local relay socket for the manifest describing what to run, reconciles
// the running probe set against it, and sends the events those probes raise
// back through the same socket.
package agent

import (
	"context"
	"math/rand"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// Config carries agent wiring.
type Config struct {
	// SocketPath is the relay's unix socket for this zone.
	SocketPath string

	// PollInterval is the manifest poll cadence. Defaults to 30s.
	PollInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
}

// Agent polls the relay for the probe manifest and keeps the runner's view
// of the world in line with it.
type Agent struct {
	logger log.Logger
	cfg    Config
	client *RelayClient
	runner *Runner

	lastMD5 string

	polls *prometheus.CounterVec
}

// New builds an agent around an already constructed runner.
func New(logger log.Logger, reg prometheus.Registerer, cfg Config, client *RelayClient, runner *Runner) *Agent {
	cfg.withDefaults()
	a := &Agent{
		logger: logger,
		cfg:    cfg,
		client: client,
		runner: runner,
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_agent_polls_total",
			Help: "Manifest polls against the relay, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(a.polls)
	}
	return a
}

// Run polls until ctx is done, then stops every probe and returns. The
// first poll happens immediately so a fresh zone picks up its probes
// without waiting out an interval.
func (a *Agent) Run(ctx context.Context) error {
	defer a.runner.StopAll()
	for {
		a.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pollJitter(a.cfg.PollInterval)):
		}
	}
}

// pollOnce checks the manifest hash and reconciles only when it moved.
// The hash recorded is the one computed from the body actually applied,
// so a racing HEAD/GET pair self-heals on the next poll. Probes started by
// the reconcile live on ctx itself, not on the poll's deadline.
func (a *Agent) pollOnce(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.PollInterval)
	defer cancel()

	md5, err := a.client.HeadManifest(reqCtx)
	if err != nil {
		a.polls.WithLabelValues("error").Inc()
		_ = level.Warn(a.logger).Log("msg", "manifest check failed", "err", err)
		return
	}
	if md5 == a.lastMD5 {
		a.polls.WithLabelValues("unchanged").Inc()
		return
	}

	manifest, bodyMD5, err := a.client.GetManifest(reqCtx)
	if err != nil {
		a.polls.WithLabelValues("error").Inc()
		_ = level.Warn(a.logger).Log("msg", "manifest fetch failed", "err", err)
		return
	}
	a.runner.Reconcile(ctx, manifest)
	a.lastMD5 = bodyMD5
	a.polls.WithLabelValues("changed").Inc()
	_ = level.Info(a.logger).Log("msg", "manifest applied", "md5", bodyMD5, "probes", len(manifest))
}

// pollJitter spreads d by +-10% so a fleet of agents does not thunder at
// its relays in lockstep.
func pollJitter(d time.Duration) time.Duration {
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * f)
}
