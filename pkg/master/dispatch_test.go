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
	"testing"

	"github.com/smartdc/amon/pkg/api"
)

func TestDispatchNotifiesMonitorContacts(t *testing.T) {
	f := newFixture(t)
	f.mustPutContact(t, userUUID, "pager", "email", "bob@example.com")
	f.mustPutContact(t, userUUID, "backup", "email", "bob-backup@example.com")
	f.mustPutMonitor(t, userUUID, "web", "pager", "backup")

	ev := api.NewFakeEvent(userUUID, "web", false)
	if err := f.disp.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	calls := f.notifier.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d deliveries, want 2", len(calls))
	}
	addrs := map[string]bool{}
	for _, c := range calls {
		addrs[c.Address] = true
		if c.Account.Login != "bob" {
			t.Fatalf("delivery carried account %q, want bob", c.Account.Login)
		}
		if c.Event.UUID != ev.UUID {
			t.Fatalf("delivery carried event %q, want %q", c.Event.UUID, ev.UUID)
		}
	}
	if !addrs["bob@example.com"] || !addrs["bob-backup@example.com"] {
		t.Fatalf("deliveries went to %v", addrs)
	}
}

func TestDispatchDeduplicatesOnUUID(t *testing.T) {
	f := newFixture(t)
	f.mustPutContact(t, userUUID, "pager", "email", "bob@example.com")
	f.mustPutMonitor(t, userUUID, "web", "pager")

	ev := api.NewFakeEvent(userUUID, "web", false)
	for i := 0; i < 3; i++ {
		if err := f.disp.Dispatch(context.Background(), ev); err != nil {
			t.Fatalf("Dispatch #%d: %v", i, err)
		}
	}
	if n := len(f.notifier.Calls()); n != 1 {
		t.Fatalf("got %d deliveries for one uuid, want 1", n)
	}
}

func TestDispatchDropsUnknownMonitor(t *testing.T) {
	f := newFixture(t)
	ev := api.NewFakeEvent(userUUID, "ghost", false)
	if err := f.disp.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n := len(f.notifier.Calls()); n != 0 {
		t.Fatalf("got %d deliveries for unknown monitor, want 0", n)
	}
}

func TestDispatchSkipsBrokenContacts(t *testing.T) {
	f := newFixture(t)
	f.mustPutContact(t, userUUID, "pager", "email", "bob@example.com")
	f.mustPutContact(t, userUUID, "sms", "carrier-pigeon", "coop 7")
	// "missing" names no contact record at all.
	f.mustPutMonitor(t, userUUID, "web", "pager", "sms", "missing")

	if err := f.disp.Dispatch(context.Background(), api.NewFakeEvent(userUUID, "web", false)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	calls := f.notifier.Calls()
	if len(calls) != 1 || calls[0].Address != "bob@example.com" {
		t.Fatalf("deliveries = %+v, want just bob@example.com", calls)
	}
}

func TestDispatchSwallowsNotifierFailure(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = api.Unavailablef("smtp down")
	f.mustPutContact(t, userUUID, "pager", "email", "bob@example.com")
	f.mustPutMonitor(t, userUUID, "web", "pager")

	if err := f.disp.Dispatch(context.Background(), api.NewFakeEvent(userUUID, "web", false)); err != nil {
		t.Fatalf("Dispatch surfaced a delivery failure: %v", err)
	}
}
