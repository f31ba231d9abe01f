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

package agent

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/model"
	"github.com/smartdc/amon/pkg/probes"
)

// EmitterFunc sends one event toward the master. Failures are the
// emitter's to log; the probe has already moved on.
type EmitterFunc func(ctx context.Context, ev *api.Event) error

// running is one live probe instance. Its lifecycle is
// pending -> running -> stopped; stopped is terminal for the instance, a
// later manifest change builds a fresh one.
type running struct {
	params model.ProbeParams
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner owns the set of probe instances on this agent and reconciles it
// against manifest snapshots. One snapshot is processed at a time, under
// one lock: starts and stops of different snapshots never interleave.
type Runner struct {
	logger log.Logger
	reg    *probes.Registry
	emit   EmitterFunc

	mtx       sync.Mutex
	instances map[string]*running

	runningGauge prometheus.Gauge
	starts       prometheus.Counter
	stops        prometheus.Counter
	failures     *prometheus.CounterVec
	reconciles   prometheus.Counter
}

// NewRunner builds the probe runner.
func NewRunner(logger log.Logger, reg *probes.Registry, promReg prometheus.Registerer, emit EmitterFunc) *Runner {
	r := &Runner{
		logger:    logger,
		reg:       reg,
		emit:      emit,
		instances: make(map[string]*running),
		runningGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amon_agent_probes_running",
			Help: "Probe instances currently running.",
		}),
		starts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_agent_probe_starts_total",
			Help: "Probe instances started.",
		}),
		stops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_agent_probe_stops_total",
			Help: "Probe instances stopped by reconciliation or shutdown.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_agent_probe_failures_total",
			Help: "Probe instances that could not start or died, by phase.",
		}, []string{"phase"}),
		reconciles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_agent_reconciles_total",
			Help: "Manifest snapshots reconciled.",
		}),
	}
	if promReg != nil {
		promReg.MustRegister(r.runningGauge, r.starts, r.stops, r.failures, r.reconciles)
	}
	return r
}

func probeKey(p model.ProbeParams) string {
	return p.User + "/" + p.Monitor + "/" + p.Name
}

// sameProbe reports whether a running instance built from a can keep
// serving b: identity aside, the type, target and config must all match.
// A config-equal reload is a no-op by this definition.
func sameProbe(a, b model.ProbeParams) bool {
	return a.Type == b.Type &&
		a.Machine == b.Machine &&
		a.Server == b.Server &&
		a.Global == b.Global &&
		bytes.Equal(a.Config, b.Config)
}

// Reconcile brings the running set in line with one manifest snapshot:
// vanished probes stop, new ones start, changed ones restart with the new
// config. ctx is the lifetime of the started instances.
func (r *Runner) Reconcile(ctx context.Context, manifest []model.ProbeParams) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.reconciles.Inc()

	want := make(map[string]model.ProbeParams, len(manifest))
	for _, p := range manifest {
		want[probeKey(p)] = p
	}

	for key, inst := range r.instances {
		p, keep := want[key]
		if keep && sameProbe(inst.params, p) {
			delete(want, key)
			continue
		}
		r.stopLocked(key, inst)
	}
	for key, p := range want {
		if _, exists := r.instances[key]; exists {
			continue
		}
		r.startLocked(ctx, key, p)
	}
}

// StopAll stops everything and waits for the instances to exit.
func (r *Runner) StopAll() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for key, inst := range r.instances {
		r.stopLocked(key, inst)
	}
}

// Running returns the number of live instances.
func (r *Runner) Running() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.instances)
}

func (r *Runner) stopLocked(key string, inst *running) {
	inst.cancel()
	<-inst.done
	delete(r.instances, key)
	r.stops.Inc()
	r.runningGauge.Dec()
	_ = level.Info(r.logger).Log("msg", "probe stopped", "probe", key)
}

func (r *Runner) startLocked(ctx context.Context, key string, p model.ProbeParams) {
	logger := log.With(r.logger, "probe", key, "type", p.Type)

	t, ok := r.reg.Type(p.Type)
	if !ok {
		r.failures.WithLabelValues("unknown-type").Inc()
		_ = level.Warn(logger).Log("msg", "probe type not available on this agent")
		return
	}
	id := probes.ID{
		User:    p.User,
		Monitor: p.Monitor,
		Name:    p.Name,
		Machine: p.Machine,
		Server:  p.Server,
	}
	inst, err := t.New(logger, id, p.Config)
	if err != nil {
		r.failures.WithLabelValues("construct").Inc()
		_ = level.Error(logger).Log("msg", "constructing probe failed", "err", err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	rec := &running{params: p, cancel: cancel, done: make(chan struct{})}
	r.instances[key] = rec
	r.starts.Inc()
	r.runningGauge.Inc()
	_ = level.Info(logger).Log("msg", "probe started")

	emit := func(clear bool, data map[string]interface{}) {
		ev := api.NewProbeEvent(p.User, p.Monitor, p.Name, p.Type, clear, data)
		// Emitting outlives the probe's own context on purpose: a last
		// event from a probe being stopped still deserves delivery.
		emitCtx, emitCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer emitCancel()
		if err := r.emit(emitCtx, ev); err != nil {
			_ = level.Warn(logger).Log("msg", "emitting event failed", "event", ev.UUID, "err", err)
		}
	}

	go func() {
		defer close(rec.done)
		if err := inst.Run(runCtx, emit); err != nil {
			// A dead instance stays dead until the manifest changes; the
			// runner does not resurrect it behind the manifest's back.
			r.failures.WithLabelValues("run").Inc()
			_ = level.Error(logger).Log("msg", "probe died", "err", err)
		}
	}()
}
