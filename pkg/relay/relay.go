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

// Package relay implements the per-node mediator between the master and the
// agents on one compute node. For every target (a machine hosted here, or
// the node itself) it polls the master for the target's probe manifest,
// mirrors it to local disk, and serves it to the target's agent over a
// per-target unix socket. Events flowing the other way are queued and
// forwarded to the master with bounded retry.
package relay

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// Config is the relay's runtime configuration.
type Config struct {
	// MasterURL is the base URL of the master API.
	MasterURL string

	// DataDir holds the mirrored manifests and their hash sidecars.
	DataDir string

	// SocketDir holds one unix socket per target.
	SocketDir string

	// TargetsFile is the JSON list of targets to serve, maintained by the
	// platform's machine lifecycle hooks. Reloaded on change.
	TargetsFile string

	// PollInterval is the manifest poll cadence per target. Each tick gets
	// +-10% jitter so a fleet of relays does not stampede the master.
	// Defaults to 30s.
	PollInterval time.Duration

	// Forward bounds the upstream event queue.
	Forward ForwardConfig
}

func (c *Config) withDefaults() error {
	if c.MasterURL == "" {
		return fmt.Errorf("master URL is required")
	}
	if c.DataDir == "" || c.SocketDir == "" {
		return fmt.Errorf("data dir and socket dir are required")
	}
	if c.TargetsFile == "" {
		return fmt.Errorf("targets file is required")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval %s is negative", c.PollInterval)
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	c.Forward.withDefaults()
	return nil
}

// Relay runs the manifest sync loops and agent servers for one node.
type Relay struct {
	logger log.Logger
	cfg    Config
	client *MasterClient
	fwd    *Forwarder

	polls        *prometheus.CounterVec
	manifestSync prometheus.Counter
	targetsGauge prometheus.Gauge

	mtx     sync.Mutex
	baseCtx context.Context
	runners map[string]*targetRunner
}

// New builds a relay. It does not touch the filesystem or network until Run.
func New(logger log.Logger, reg prometheus.Registerer, cfg Config) (*Relay, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	client, err := NewMasterClient(cfg.MasterURL)
	if err != nil {
		return nil, err
	}
	r := &Relay{
		logger:  logger,
		cfg:     cfg,
		client:  client,
		fwd:     NewForwarder(log.With(logger, "component", "forwarder"), reg, client, cfg.Forward),
		runners: make(map[string]*targetRunner),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_relay_polls_total",
			Help: "Manifest polls by outcome.",
		}, []string{"outcome"}),
		manifestSync: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_relay_manifest_writes_total",
			Help: "Manifest rewrites after an upstream change.",
		}),
		targetsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amon_relay_targets",
			Help: "Targets currently served.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.polls, r.manifestSync, r.targetsGauge)
	}
	return r, nil
}

// Run serves until ctx is done: it loads the target set, reacts to targets
// file changes, and drives the forwarder. In-flight syncs finish before Run
// returns.
func (r *Relay) Run(ctx context.Context) error {
	for _, dir := range []string{r.cfg.DataDir, r.cfg.SocketDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	targets, err := LoadTargets(r.cfg.TargetsFile)
	if err != nil {
		return err
	}

	r.mtx.Lock()
	r.baseCtx = ctx
	r.mtx.Unlock()
	r.SetTargets(targets)

	errc := make(chan error, 2)
	go func() { errc <- r.fwd.Run(ctx) }()
	go func() {
		errc <- watchTargets(ctx, r.logger, r.cfg.TargetsFile, r.SetTargets)
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.stopAll()
	return firstErr
}

// SetTargets reconciles the running set against ts: new targets get a poll
// loop and a socket server, vanished ones are stopped and their files
// removed. Unchanged targets are untouched; their sync state survives.
func (r *Relay) SetTargets(ts []Target) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.baseCtx == nil || r.baseCtx.Err() != nil {
		return
	}

	want := make(map[string]Target, len(ts))
	for _, t := range ts {
		want[t.Key()] = t
	}
	for key, tr := range r.runners {
		if _, ok := want[key]; ok {
			continue
		}
		_ = level.Info(r.logger).Log("msg", "target removed", "target", tr.target)
		tr.stop(true)
		delete(r.runners, key)
	}
	for key, t := range want {
		if _, ok := r.runners[key]; ok {
			continue
		}
		tr, err := r.startRunner(r.baseCtx, t)
		if err != nil {
			_ = level.Error(r.logger).Log("msg", "starting target failed", "target", t, "err", err)
			continue
		}
		_ = level.Info(r.logger).Log("msg", "target added", "target", t)
		r.runners[key] = tr
	}
	r.targetsGauge.Set(float64(len(r.runners)))
}

func (r *Relay) stopAll() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for key, tr := range r.runners {
		tr.stop(false)
		delete(r.runners, key)
	}
	r.targetsGauge.Set(0)
}
