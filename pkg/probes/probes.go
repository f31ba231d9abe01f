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

// Package probes defines the probe plugin contract and the registry the
// master and agent share. The master uses a registry purely for validation;
// the agent additionally instantiates and runs instances. Types are
// registered explicitly at startup, never from package init.
package probes

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/go-kit/log"
	"github.com/smartdc/amon/pkg/api"
)

// ID names one concrete probe and its target. It is the identity the agent
// keys running instances by and the identity stamped onto emitted events.
type ID struct {
	User    string
	Monitor string
	Name    string
	Machine string
	Server  string
}

func (id ID) String() string {
	return id.User + "/" + id.Monitor + "/" + id.Name
}

// EmitFunc delivers one probe firing. clear marks the event as an all-clear
// for a previously raised fault; data is the type-specific payload and
// should carry a human-readable "message" key.
type EmitFunc func(clear bool, data map[string]interface{})

// Instance is one running probe. Run blocks until ctx is done or the
// instance hits an unrecoverable error; transient trouble is the instance's
// own problem to ride out.
type Instance interface {
	Run(ctx context.Context, emit EmitFunc) error
}

// Type is a probe plugin. Implementations must be safe for concurrent use:
// one Type value backs every instance of that type.
type Type interface {
	// Name is the wire name clients put in a probe's "type" field.
	Name() string

	// RunInGlobal reports whether instances run in the server's global
	// context instead of inside the targeted machine.
	RunInGlobal() bool

	// ValidateConfig vets a probe config at PUT time. cfg may be empty.
	ValidateConfig(cfg json.RawMessage) error

	// New builds a runnable instance. cfg has already passed
	// ValidateConfig.
	New(logger log.Logger, id ID, cfg json.RawMessage) (Instance, error)
}

// Registry is an immutable name-to-Type table.
type Registry struct {
	types map[string]Type
	names []string
}

// NewRegistry builds a registry from the given types. Duplicate names are
// a programmer error and fail construction.
func NewRegistry(types ...Type) (*Registry, error) {
	r := &Registry{types: make(map[string]Type, len(types))}
	for _, t := range types {
		if _, ok := r.types[t.Name()]; ok {
			return nil, api.Internalf("probe type %q registered twice", t.Name())
		}
		r.types[t.Name()] = t
		r.names = append(r.names, t.Name())
	}
	sort.Strings(r.names)
	return r, nil
}

// Type looks up a probe type by wire name.
func (r *Registry) Type(name string) (Type, bool) {
	t, ok := r.types[name]
	return t, ok
}

// Names lists the registered type names, sorted.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}
