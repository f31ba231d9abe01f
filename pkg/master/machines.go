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

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/cache"
	"github.com/smartdc/amon/pkg/mapi"
)

// Machines caches MAPI answers. Ownership and placement change rarely next
// to how often probe writes and manifest builds ask about them.
type Machines struct {
	cache  *cache.Cache
	client mapi.Client
}

// NewMachines wraps a MAPI client with the probe cache.
func NewMachines(c *cache.Cache, client mapi.Client) *Machines {
	return &Machines{cache: c, client: client}
}

// Get returns the machine record, or ResourceNotFound.
func (m *Machines) Get(ctx context.Context, machine string) (*mapi.Machine, error) {
	v, err := m.cache.GetOrFill(ctx, cache.ScopeMachine, machine, func(ctx context.Context) (interface{}, error) {
		return m.client.GetMachine(ctx, machine)
	})
	if err != nil {
		return nil, err
	}
	return v.(*mapi.Machine), nil
}

// ServerExists reports whether the server UUID is known.
func (m *Machines) ServerExists(ctx context.Context, server string) (bool, error) {
	v, err := m.cache.GetOrFill(ctx, cache.ScopeServer, server, func(ctx context.Context) (interface{}, error) {
		return m.client.ServerExists(ctx, server)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// OnServer returns the machines placed on a server. An unknown server is an
// empty placement, not an error: manifests for it must still build.
func (m *Machines) OnServer(ctx context.Context, server string) ([]*mapi.Machine, error) {
	v, err := m.cache.GetOrFill(ctx, cache.ScopeServerMachines, server, func(ctx context.Context) (interface{}, error) {
		ms, err := m.client.ListServerMachines(ctx, server)
		if err != nil {
			return nil, err
		}
		return ms, nil
	})
	if err != nil {
		if api.CodeOf(err) == api.CodeResourceNotFound {
			return nil, nil
		}
		return nil, err
	}
	return v.([]*mapi.Machine), nil
}
