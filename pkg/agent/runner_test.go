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
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/model"
	"github.com/smartdc/amon/pkg/probes"
)

const (
	testUser    = "11111111-1111-1111-1111-111111111111"
	testMachine = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
)

// blockingType builds instances that run until canceled and count their
// starts and stops.
type blockingType struct {
	name     string
	failNew  bool
	starts   int32
	stops    int32
	emitOnce bool
}

func (t *blockingType) Name() string                             { return t.name }
func (t *blockingType) RunInGlobal() bool                        { return false }
func (t *blockingType) ValidateConfig(cfg json.RawMessage) error { return nil }

func (t *blockingType) New(_ log.Logger, _ probes.ID, _ json.RawMessage) (probes.Instance, error) {
	if t.failNew {
		return nil, api.Invalidf("constructor told to fail")
	}
	return &blockingInstance{typ: t}, nil
}

type blockingInstance struct {
	typ *blockingType
}

func (i *blockingInstance) Run(ctx context.Context, emit probes.EmitFunc) error {
	atomic.AddInt32(&i.typ.starts, 1)
	defer atomic.AddInt32(&i.typ.stops, 1)
	if i.typ.emitOnce {
		emit(false, map[string]interface{}{"message": "boom"})
	}
	<-ctx.Done()
	return nil
}

// collectEmits is an EmitterFunc capturing events.
type collectEmits struct {
	mtx    sync.Mutex
	events []*api.Event
}

func (c *collectEmits) emit(_ context.Context, ev *api.Event) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collectEmits) all() []*api.Event {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]*api.Event(nil), c.events...)
}

func newTestRunner(t *testing.T, types ...probes.Type) (*Runner, *collectEmits) {
	t.Helper()
	reg, err := probes.NewRegistry(types...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	sink := &collectEmits{}
	return NewRunner(log.NewNopLogger(), reg, nil, sink.emit), sink
}

func params(name, typ, config string) model.ProbeParams {
	p := model.ProbeParams{
		User:    testUser,
		Monitor: "web",
		Name:    name,
		Type:    typ,
		Machine: testMachine,
	}
	if config != "" {
		p.Config = json.RawMessage(config)
	}
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestReconcileStartsStopsAndRestarts(t *testing.T) {
	typ := &blockingType{name: "pinger"}
	r, _ := newTestRunner(t, typ)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First snapshot: two probes.
	r.Reconcile(ctx, []model.ProbeParams{
		params("a", "pinger", ""),
		params("b", "pinger", `{"n":1}`),
	})
	if got := r.Running(); got != 2 {
		t.Fatalf("Running = %d, want 2", got)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&typ.starts) == 2 })

	// Second snapshot: a unchanged, b reconfigured, c new.
	r.Reconcile(ctx, []model.ProbeParams{
		params("a", "pinger", ""),
		params("b", "pinger", `{"n":2}`),
		params("c", "pinger", ""),
	})
	if got := r.Running(); got != 3 {
		t.Fatalf("Running = %d, want 3", got)
	}
	// a kept its instance: 2 original + restart of b + start of c = 4.
	waitFor(t, func() bool { return atomic.LoadInt32(&typ.starts) == 4 })
	if got := atomic.LoadInt32(&typ.stops); got != 1 {
		t.Fatalf("stops = %d, want 1 (just the reconfigured probe)", got)
	}

	// Empty snapshot stops everything.
	r.Reconcile(ctx, nil)
	if got := r.Running(); got != 0 {
		t.Fatalf("Running = %d after empty snapshot, want 0", got)
	}
	if got := atomic.LoadInt32(&typ.stops); got != 4 {
		t.Fatalf("stops = %d, want 4", got)
	}
}

func TestReconcileSkipsUnknownTypesAndBadConfigs(t *testing.T) {
	good := &blockingType{name: "pinger"}
	bad := &blockingType{name: "broken", failNew: true}
	r, _ := newTestRunner(t, good, bad)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Reconcile(ctx, []model.ProbeParams{
		params("a", "pinger", ""),
		params("b", "broken", ""),
		params("c", "no-such-type", ""),
	})
	if got := r.Running(); got != 1 {
		t.Fatalf("Running = %d, want only the constructible probe", got)
	}
}

func TestStopAllWaitsForInstances(t *testing.T) {
	typ := &blockingType{name: "pinger"}
	r, _ := newTestRunner(t, typ)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Reconcile(ctx, []model.ProbeParams{params("a", "pinger", "")})
	r.StopAll()
	if got := atomic.LoadInt32(&typ.stops); got != 1 {
		t.Fatalf("stops = %d after StopAll, want 1", got)
	}
	if got := r.Running(); got != 0 {
		t.Fatalf("Running = %d after StopAll, want 0", got)
	}
}

func TestEmittedEventsCarryProbeIdentity(t *testing.T) {
	typ := &blockingType{name: "pinger", emitOnce: true}
	r, sink := newTestRunner(t, typ)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Reconcile(ctx, []model.ProbeParams{params("a", "pinger", "")})
	waitFor(t, func() bool { return len(sink.all()) == 1 })

	ev := sink.all()[0]
	if err := ev.Validate(); err != nil {
		t.Fatalf("emitted event invalid: %v", err)
	}
	if ev.Type != api.EventTypeProbe || ev.User != testUser || ev.Monitor != "web" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Probe == nil || ev.Probe.Name != "a" || ev.Probe.Type != "pinger" {
		t.Fatalf("probe block = %+v", ev.Probe)
	}
	if ev.Message() != "boom" {
		t.Fatalf("message = %q", ev.Message())
	}
}
