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

// Package mapitest provides an in-memory mapi.Client for tests.
package mapitest

import (
	"context"
	"sync"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/mapi"
)

// Fake implements mapi.Client from fixture data.
type Fake struct {
	mtx      sync.Mutex
	machines map[string]*mapi.Machine
	servers  map[string]bool
	err      error
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		machines: make(map[string]*mapi.Machine),
		servers:  make(map[string]bool),
	}
}

// AddMachine registers a machine and, implicitly, the server it is on.
func (f *Fake) AddMachine(m *mapi.Machine) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	cp := *m
	f.machines[m.UUID] = &cp
	if m.Server != "" {
		f.servers[m.Server] = true
	}
}

// AddServer registers a machineless server.
func (f *Fake) AddServer(uuid string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.servers[uuid] = true
}

// SetErr makes every call fail with err until reset with nil. Used to
// simulate a MAPI outage.
func (f *Fake) SetErr(err error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.err = err
}

func (f *Fake) GetMachine(ctx context.Context, machine string) (*mapi.Machine, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.machines[machine]
	if !ok {
		return nil, api.NotFoundf("machine %s not found", machine)
	}
	cp := *m
	return &cp, nil
}

func (f *Fake) ServerExists(ctx context.Context, server string) (bool, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.servers[server], nil
}

func (f *Fake) ListServerMachines(ctx context.Context, server string) ([]*mapi.Machine, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*mapi.Machine
	for _, m := range f.machines {
		if m.Server == server {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}
