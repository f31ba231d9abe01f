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

package master

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/model"
)

func TestContactRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	put := f.mustPutContact(t, userUUID, "pager", "email", "bob@example.com")

	got, err := f.store.GetContact(ctx, userUUID, "pager")
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if diff := cmp.Diff(put, got); diff != "" {
		t.Fatalf("contact mismatch (-put +got):\n%s", diff)
	}

	// Replace via a second PUT.
	f.mustPutContact(t, userUUID, "pager", "email", "oncall@example.com")
	got, err = f.store.GetContact(ctx, userUUID, "pager")
	if err != nil {
		t.Fatalf("GetContact after replace: %v", err)
	}
	if got.Data != "oncall@example.com" {
		t.Fatalf("Data = %q after replace", got.Data)
	}
}

func TestListContactsSorted(t *testing.T) {
	f := newFixture(t)
	f.mustPutContact(t, userUUID, "zeta", "email", "z@example.com")
	f.mustPutContact(t, userUUID, "alpha", "email", "a@example.com")

	cs, err := f.store.ListContacts(context.Background(), userUUID)
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}
	var names []string
	for _, c := range cs {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"alpha", "zeta"}, names); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
}

func TestDeleteContactNotFound(t *testing.T) {
	f := newFixture(t)
	err := f.store.DeleteContact(context.Background(), userUUID, "nope")
	if api.CodeOf(err) != api.CodeResourceNotFound {
		t.Fatalf("code = %v, want ResourceNotFound", api.CodeOf(err))
	}
}

func TestDeleteMonitorWithProbesIsConstraint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustPutContact(t, userUUID, "pager", "email", "bob@example.com")
	f.mustPutMonitor(t, userUUID, "web", "pager")
	f.mustPutProbe(t, model.ProbeParams{
		User: userUUID, Monitor: "web", Name: "ping", Type: "pinger", Machine: machineUUID,
	})

	err := f.store.DeleteMonitor(ctx, userUUID, "web")
	if api.CodeOf(err) != api.CodeConstraint {
		t.Fatalf("delete with probes: code = %v, want Constraint", api.CodeOf(err))
	}

	if err := f.store.DeleteProbe(ctx, userUUID, "web", "ping"); err != nil {
		t.Fatalf("DeleteProbe: %v", err)
	}
	if err := f.store.DeleteMonitor(ctx, userUUID, "web"); err != nil {
		t.Fatalf("delete after probes removed: %v", err)
	}
	if _, err := f.store.GetMonitor(ctx, userUUID, "web"); api.CodeOf(err) != api.CodeResourceNotFound {
		t.Fatalf("GetMonitor after delete: code = %v, want ResourceNotFound", api.CodeOf(err))
	}
}

func TestPutProbeTargetSwitchDropsStaleAttribute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustPutContact(t, userUUID, "pager", "email", "bob@example.com")
	f.mustPutMonitor(t, userUUID, "web", "pager")

	f.mustPutProbe(t, model.ProbeParams{
		User: userUUID, Monitor: "web", Name: "ping", Type: "pinger", Machine: machineUUID,
		Config: json.RawMessage(`{"path":"/var/log/web.log"}`),
	})
	// Re-target at a server and drop the config.
	f.mustPutProbe(t, model.ProbeParams{
		User: userUUID, Monitor: "web", Name: "ping", Type: "pinger", Server: serverUUID,
	})

	got, err := f.store.GetProbeDirect(ctx, userUUID, "web", "ping")
	if err != nil {
		t.Fatalf("GetProbeDirect: %v", err)
	}
	if got.Machine != "" {
		t.Fatalf("Machine = %q after re-target, want empty", got.Machine)
	}
	if got.Server != serverUUID {
		t.Fatalf("Server = %q, want %q", got.Server, serverUUID)
	}
	if len(got.Config) != 0 {
		t.Fatalf("Config = %s after drop, want empty", got.Config)
	}
}

func TestGetProbeCachesAndWriteInvalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mustPutContact(t, userUUID, "pager", "email", "bob@example.com")
	f.mustPutMonitor(t, userUUID, "web", "pager")
	f.mustPutProbe(t, model.ProbeParams{
		User: userUUID, Monitor: "web", Name: "ping", Type: "pinger", Machine: machineUUID,
	})

	if _, err := f.store.GetProbe(ctx, userUUID, "web", "ping"); err != nil {
		t.Fatalf("GetProbe: %v", err)
	}

	// A backend outage is invisible while the cache holds the entry...
	f.dir.SetErr(api.Unavailablef("directory down"))
	if _, err := f.store.GetProbe(ctx, userUUID, "web", "ping"); err != nil {
		t.Fatalf("GetProbe from cache during outage: %v", err)
	}
	f.dir.SetErr(nil)

	// ...and a write drops it, so the next read sees fresh state.
	f.mustPutProbe(t, model.ProbeParams{
		User: userUUID, Monitor: "web", Name: "ping", Type: "smoke", Machine: machineUUID,
	})
	got, err := f.store.GetProbe(ctx, userUUID, "web", "ping")
	if err != nil {
		t.Fatalf("GetProbe after write: %v", err)
	}
	if got.Type != "smoke" || !got.Global {
		t.Fatalf("got type=%q global=%v, want smoke/true", got.Type, got.Global)
	}
}

func TestProbesForMachineSpansAccounts(t *testing.T) {
	f := newFixture(t)
	f.mustPutContact(t, userUUID, "pager", "email", "bob@example.com")
	f.mustPutMonitor(t, userUUID, "web", "pager")
	f.mustPutContact(t, otherUUID, "pager", "email", "mallory@example.com")
	f.mustPutMonitor(t, otherUUID, "db", "pager")

	f.mustPutProbe(t, model.ProbeParams{
		User: userUUID, Monitor: "web", Name: "ping", Type: "pinger", Machine: machineUUID,
	})
	f.mustPutProbe(t, model.ProbeParams{
		User: otherUUID, Monitor: "db", Name: "ping", Type: "pinger", Machine: machineUUID,
	})
	f.mustPutProbe(t, model.ProbeParams{
		User: otherUUID, Monitor: "db", Name: "other", Type: "pinger", Machine: otherMachineUUID,
	})

	ps, err := f.store.ProbesForMachine(context.Background(), machineUUID)
	if err != nil {
		t.Fatalf("ProbesForMachine: %v", err)
	}
	var got [][2]string
	for _, p := range ps {
		got = append(got, [2]string{p.User, p.Name})
	}
	want := [][2]string{{userUUID, "ping"}, {otherUUID, "ping"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("probes (-want +got):\n%s", diff)
	}
}
