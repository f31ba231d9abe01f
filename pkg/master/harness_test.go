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
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/cache"
	"github.com/smartdc/amon/pkg/directory/directorytest"
	"github.com/smartdc/amon/pkg/mapi"
	"github.com/smartdc/amon/pkg/mapi/mapitest"
	"github.com/smartdc/amon/pkg/model"
	"github.com/smartdc/amon/pkg/notify"
	"github.com/smartdc/amon/pkg/probes"
)

// Fixture identities, stable across the package's tests.
const (
	userUUID  = "11111111-1111-1111-1111-111111111111"
	operUUID  = "22222222-2222-2222-2222-222222222222"
	otherUUID = "33333333-3333-3333-3333-333333333333"

	machineUUID      = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	otherMachineUUID = "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
	serverUUID       = "cccccccc-cccc-cccc-cccc-cccccccccccc"
	unknownUUID      = "dddddddd-dddd-dddd-dddd-dddddddddddd"
)

// fakeProbeType is a registry entry for tests; instances are never run here.
type fakeProbeType struct {
	name   string
	global bool
}

func (t fakeProbeType) Name() string                            { return t.name }
func (t fakeProbeType) RunInGlobal() bool                       { return t.global }
func (t fakeProbeType) ValidateConfig(cfg json.RawMessage) error { return nil }
func (t fakeProbeType) New(log.Logger, probes.ID, json.RawMessage) (probes.Instance, error) {
	return nil, api.Internalf("fake probe type is not runnable")
}

// recordingNotifier captures deliveries for one medium.
type recordingNotifier struct {
	medium string
	err    error

	mtx   sync.Mutex
	calls []recordedCall
}

type recordedCall struct {
	Account *model.Account
	Address string
	Event   *api.Event
}

func (n *recordingNotifier) Medium() string { return n.medium }

func (n *recordingNotifier) Notify(_ context.Context, acct *model.Account, address string, ev *api.Event) error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.calls = append(n.calls, recordedCall{Account: acct, Address: address, Event: ev})
	return n.err
}

func (n *recordingNotifier) Calls() []recordedCall {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append([]recordedCall(nil), n.calls...)
}

// fixture wires a full master core over in-memory backends. The directory
// starts with two accounts (user "bob", operator "opal") and the operators
// group; MAPI starts with bob's machine placed on the one server.
type fixture struct {
	dir      *directorytest.Fake
	mapi     *mapitest.Fake
	cache    *cache.Cache
	reg      *probes.Registry
	accounts *Accounts
	machines *Machines
	store    *Store
	az       *Authorizer
	mans     *Manifests
	notifier *recordingNotifier
	disp     *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.NewNopLogger()

	f := &fixture{
		dir:  directorytest.New(),
		mapi: mapitest.New(),
	}
	f.cache = cache.New(logger, cache.NewMetrics(prometheus.NewRegistry()), "test", cache.Config{Size: 100, Expiry: 300})

	reg, err := probes.NewRegistry(
		fakeProbeType{name: "pinger"},
		fakeProbeType{name: "smoke", global: true},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	f.reg = reg

	f.addAccount(userUUID, "bob")
	f.addAccount(operUUID, "opal")
	f.addAccount(otherUUID, "mallory")
	f.dir.MustAdd(model.OperatorsDN, map[string][]string{
		"objectclass":  {"groupofuniquenames"},
		"cn":           {"operators"},
		"uniquemember": {model.AccountDN(operUUID)},
	})

	f.mapi.AddMachine(&mapi.Machine{UUID: machineUUID, Owner: userUUID, Server: serverUUID})
	f.mapi.AddMachine(&mapi.Machine{UUID: otherMachineUUID, Owner: otherUUID, Server: serverUUID})

	f.accounts = NewAccounts(logger, f.dir, f.cache)
	f.machines = NewMachines(f.cache, f.mapi)
	f.store = NewStore(logger, f.dir, f.cache, reg)
	f.az = NewAuthorizer(logger, f.accounts, f.machines)
	f.mans = NewManifests(logger, f.store, f.machines, f.cache)

	f.notifier = &recordingNotifier{medium: "email"}
	notifiers, err := notify.NewRegistry(f.notifier)
	if err != nil {
		t.Fatalf("notify.NewRegistry: %v", err)
	}
	f.disp = NewDispatcher(logger, prometheus.NewRegistry(), f.store, f.accounts, notifiers, f.cache)
	return f
}

func (f *fixture) addAccount(uuid, login string) {
	f.dir.MustAdd(model.AccountDN(uuid), map[string][]string{
		"objectclass": {"sdcperson"},
		"uuid":        {uuid},
		"login":       {login},
		"email":       {login + "@example.com"},
	})
}

func (f *fixture) mustPutContact(t *testing.T, user, name, medium, data string) *model.Contact {
	t.Helper()
	c, err := model.NewContactFromParams(model.ContactParams{User: user, Name: name, Medium: medium, Data: data})
	if err != nil {
		t.Fatalf("NewContactFromParams(%s): %v", name, err)
	}
	if err := f.store.PutContact(context.Background(), c); err != nil {
		t.Fatalf("PutContact(%s): %v", name, err)
	}
	return c
}

func (f *fixture) mustPutMonitor(t *testing.T, user, name string, contacts ...string) *model.Monitor {
	t.Helper()
	m, err := model.NewMonitorFromParams(model.MonitorParams{User: user, Name: name, Contacts: contacts})
	if err != nil {
		t.Fatalf("NewMonitorFromParams(%s): %v", name, err)
	}
	if err := f.store.PutMonitor(context.Background(), m); err != nil {
		t.Fatalf("PutMonitor(%s): %v", name, err)
	}
	return m
}

func (f *fixture) mustPutProbe(t *testing.T, params model.ProbeParams) *model.Probe {
	t.Helper()
	p, err := model.NewProbeFromParams(f.reg, params)
	if err != nil {
		t.Fatalf("NewProbeFromParams(%s): %v", params.Name, err)
	}
	if err := f.store.PutProbe(context.Background(), p); err != nil {
		t.Fatalf("PutProbe(%s): %v", params.Name, err)
	}
	return p
}
