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
	"fmt"
	"strings"

	"github.com/go-kit/log"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/cache"
	"github.com/smartdc/amon/pkg/model"
)

// Target types a manifest can be built for.
const (
	TargetMachine = "machine"
	TargetServer  = "server"
)

// Manifest is one target's probe assignment, pre-serialized: the relay
// stores the body verbatim and the MD5 is the change signal, so both are
// computed once here and cached together.
type Manifest struct {
	Body []byte
	MD5  string
}

// Manifests builds the probe manifests relays poll for. A machine manifest
// carries the non-global probes targeting that machine; a server manifest
// carries the probes targeting the server itself plus the global probes of
// every machine placed on it.
type Manifests struct {
	logger   log.Logger
	store    *Store
	machines *Machines
	cache    *cache.Cache
}

// NewManifests builds the manifest builder.
func NewManifests(logger log.Logger, store *Store, machines *Machines, c *cache.Cache) *Manifests {
	return &Manifests{logger: logger, store: store, machines: machines, cache: c}
}

// Get returns the manifest for one target, through the cache. Probe writes
// flush the whole manifest scope, so a cached manifest is never staler than
// the last local write plus the TTL.
func (m *Manifests) Get(ctx context.Context, targetType, uuid string) (Manifest, error) {
	if targetType != TargetMachine && targetType != TargetServer {
		return Manifest{}, api.Invalidf("target type %q must be machine or server", targetType)
	}
	if !api.IsUUID(uuid) {
		return Manifest{}, api.Invalidf("%s %q is not a UUID", targetType, uuid)
	}
	key := targetType + ":" + uuid
	v, err := m.cache.GetOrFill(ctx, cache.ScopeAgentProbes, key, func(ctx context.Context) (interface{}, error) {
		return m.build(ctx, targetType, uuid)
	})
	if err != nil {
		return Manifest{}, err
	}
	return v.(Manifest), nil
}

func (m *Manifests) build(ctx context.Context, targetType, uuid string) (Manifest, error) {
	var ps []*model.Probe
	var err error
	switch targetType {
	case TargetMachine:
		ps, err = m.machineProbes(ctx, uuid)
	default:
		ps, err = m.serverProbes(ctx, uuid)
	}
	if err != nil {
		return Manifest{}, err
	}

	// The internal serialization carries the derived global flag the agent
	// needs to place instances. Empty manifests are a JSON array, not null.
	out := make([]model.ProbeParams, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Serialize(true))
	}
	body, err := json.Marshal(out)
	if err != nil {
		return Manifest{}, api.Internalf("marshal manifest %s=%s: %s", targetType, uuid, err)
	}
	return Manifest{Body: body, MD5: api.ContentMD5(body)}, nil
}

// machineProbes are the probes that run inside the machine: global ones run
// on the hosting server and are excluded here.
func (m *Manifests) machineProbes(ctx context.Context, machine string) ([]*model.Probe, error) {
	all, err := m.store.ProbesForMachine(ctx, machine)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if !p.Global {
			out = append(out, p)
		}
	}
	return out, nil
}

// serverProbes are the probes that run in the server's global context:
// direct server targets plus the global probes of machines placed here.
func (m *Manifests) serverProbes(ctx context.Context, server string) ([]*model.Probe, error) {
	ps, err := m.store.ProbesForServer(ctx, server)
	if err != nil {
		return nil, err
	}
	placed, err := m.machines.OnServer(ctx, server)
	if err != nil {
		return nil, err
	}
	for _, machine := range placed {
		mps, err := m.store.ProbesForMachine(ctx, machine.UUID)
		if err != nil {
			return nil, err
		}
		for _, p := range mps {
			if p.Global {
				ps = append(ps, p)
			}
		}
	}
	sortProbes(ps)
	return ps, nil
}

// ParseTargetQuery extracts the (type, uuid) target from an /agentprobes
// query string. Exactly one of machine and server must be given.
func ParseTargetQuery(machine, server string) (targetType, uuid string, err error) {
	machine, server = strings.TrimSpace(machine), strings.TrimSpace(server)
	switch {
	case machine == "" && server == "":
		return "", "", api.Missingf("one of machine or server is required")
	case machine != "" && server != "":
		return "", "", api.Invalidf("only one of machine or server may be given")
	case machine != "":
		return TargetMachine, machine, nil
	default:
		return TargetServer, server, nil
	}
}

// TargetName names a target for logs.
func TargetName(targetType, uuid string) string {
	return fmt.Sprintf("%s=%s", targetType, uuid)
}
