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
	"io"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/model"
)

// fakeRelay serves the agent protocol on a unix socket.
type fakeRelay struct {
	mtx      sync.Mutex
	manifest []byte
	events   [][]byte
}

func newFakeRelay(t *testing.T) (*fakeRelay, string) {
	t.Helper()
	f := &fakeRelay{manifest: []byte("[]")}
	sock := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: f}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return f, sock
}

func (f *fakeRelay) setManifest(t *testing.T, ps []model.ProbeParams) {
	t.Helper()
	b, err := json.Marshal(ps)
	if err != nil {
		t.Fatal(err)
	}
	f.mtx.Lock()
	f.manifest = b
	f.mtx.Unlock()
}

func (f *fakeRelay) eventCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.events)
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/agentprobes":
		f.mtx.Lock()
		body := f.manifest
		f.mtx.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-MD5", api.ContentMD5(body))
		if r.Method != http.MethodHead {
			w.Write(body)
		}
	case "/events":
		b, _ := io.ReadAll(r.Body)
		f.mtx.Lock()
		f.events = append(f.events, b)
		f.mtx.Unlock()
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestAgentAppliesManifestChanges(t *testing.T) {
	relay, sock := newFakeRelay(t)
	typ := &blockingType{name: "pinger"}
	runner, _ := newTestRunner(t, typ)
	client := NewRelayClient(sock)
	a := New(log.NewNopLogger(), nil, Config{SocketPath: sock, PollInterval: 50 * time.Millisecond}, client, runner)

	relay.setManifest(t, []model.ProbeParams{params("a", "pinger", "")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()

	waitFor(t, func() bool { return runner.Running() == 1 })

	// Update the manifest: the next poll reconciles to the new set.
	relay.setManifest(t, []model.ProbeParams{
		params("a", "pinger", ""),
		params("b", "pinger", ""),
	})
	waitFor(t, func() bool { return runner.Running() == 2 })

	// Shutdown stops every probe.
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not shut down")
	}
	if got := runner.Running(); got != 0 {
		t.Fatalf("Running = %d after shutdown, want 0", got)
	}
}

func TestAgentSkipsUnchangedManifest(t *testing.T) {
	relay, sock := newFakeRelay(t)
	typ := &blockingType{name: "pinger"}
	runner, _ := newTestRunner(t, typ)
	client := NewRelayClient(sock)
	a := New(log.NewNopLogger(), nil, Config{SocketPath: sock, PollInterval: time.Second}, client, runner)

	relay.setManifest(t, []model.ProbeParams{params("a", "pinger", "")})

	ctx := context.Background()
	a.pollOnce(ctx)
	if got := runner.Running(); got != 1 {
		t.Fatalf("Running = %d, want 1", got)
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&typ.starts) == 1 })

	// Same hash: the second poll must not rebuild anything.
	a.pollOnce(ctx)
	if got := atomic.LoadInt32(&typ.starts); got != 1 {
		t.Fatalf("starts = %d after no-op poll, want 1", got)
	}
	runner.StopAll()
}

func TestAgentEventsFlowThroughRelay(t *testing.T) {
	relay, sock := newFakeRelay(t)
	typ := &blockingType{name: "pinger", emitOnce: true}
	runner, _ := newTestRunner(t, typ)
	client := NewRelayClient(sock)
	runner.emit = func(ctx context.Context, ev *api.Event) error {
		return client.PostEvent(ctx, ev)
	}
	a := New(log.NewNopLogger(), nil, Config{SocketPath: sock, PollInterval: time.Second}, client, runner)

	relay.setManifest(t, []model.ProbeParams{params("a", "pinger", "")})
	a.pollOnce(context.Background())
	defer runner.StopAll()

	waitFor(t, func() bool { return relay.eventCount() == 1 })
	var ev api.Event
	relay.mtx.Lock()
	raw := relay.events[0]
	relay.mtx.Unlock()
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("event does not parse: %v", err)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("event invalid: %v", err)
	}
}
