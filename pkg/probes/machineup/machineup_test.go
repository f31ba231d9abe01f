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

package machineup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/probes"
)

const machine = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"

type fakeStater struct {
	ch chan Change
}

func (f *fakeStater) Changes(ctx context.Context, machine string) (<-chan Change, error) {
	return f.ch, nil
}

func TestValidateConfig(t *testing.T) {
	ty := NewType(nil)
	for _, cfg := range []string{"", "null", "{}"} {
		if err := ty.ValidateConfig(json.RawMessage(cfg)); err != nil {
			t.Errorf("ValidateConfig(%q) = %v, want nil", cfg, err)
		}
	}
	if err := ty.ValidateConfig(json.RawMessage(`{"x":1}`)); api.CodeOf(err) != api.CodeInvalidArgument {
		t.Errorf("non-empty config: code = %v, want InvalidArgument", api.CodeOf(err))
	}
	if !ty.RunInGlobal() {
		t.Error("machine-up must run in the global context")
	}
}

func TestNewWithoutStater(t *testing.T) {
	ty := NewType(nil)
	_, err := ty.New(log.NewNopLogger(), probes.ID{Machine: machine}, nil)
	if err == nil {
		t.Fatal("New succeeded without a state source")
	}
}

type emitted struct {
	clear bool
	data  map[string]interface{}
}

func TestDownThenUp(t *testing.T) {
	st := &fakeStater{ch: make(chan Change, 4)}
	inst, err := NewType(st).New(log.NewNopLogger(), probes.ID{User: "u", Monitor: "m", Name: "up", Machine: machine}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan emitted, 4)
	done := make(chan error, 1)
	go func() {
		done <- inst.Run(ctx, func(clear bool, data map[string]interface{}) {
			events <- emitted{clear, data}
		})
	}()

	// An initial up transition is not news.
	st.ch <- Change{Machine: machine, Up: true}
	st.ch <- Change{Machine: machine, Up: false}

	ev := waitEvent(t, events)
	if ev.clear {
		t.Error("down transition emitted a clear event")
	}
	if ev.data["machine"] != machine {
		t.Errorf("machine = %v, want %v", ev.data["machine"], machine)
	}

	st.ch <- Change{Machine: machine, Up: true}
	ev = waitEvent(t, events)
	if !ev.clear {
		t.Error("recovery did not emit a clear event")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected extra event %+v", ev)
	default:
	}
}

func waitEvent(t *testing.T, ch <-chan emitted) emitted {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event within deadline")
		return emitted{}
	}
}
