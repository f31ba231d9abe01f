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

// Package machineup implements the "machine-up" probe type: raise an event
// when a machine goes down and clear it when the machine comes back.
//
// The probe runs in the server's global context because a machine cannot
// report its own death. The global agent supplies a Stater wired to the
// platform's machine lifecycle events; the master registers the type with a
// nil Stater since it only ever validates configs.
package machineup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/probes"
)

// Change is one machine run-state transition.
type Change struct {
	Machine string
	Up      bool
}

// Stater reports run-state transitions for machines hosted on this server.
type Stater interface {
	// Changes delivers transitions for one machine until ctx is done.
	Changes(ctx context.Context, machine string) (<-chan Change, error)
}

type upType struct {
	stater Stater
}

// NewType returns the machine-up probe type. stater may be nil when the
// registry is used for validation only.
func NewType(stater Stater) probes.Type {
	return upType{stater: stater}
}

func (upType) Name() string { return "machine-up" }

func (upType) RunInGlobal() bool { return true }

// ValidateConfig accepts an absent or empty config and nothing else.
func (upType) ValidateConfig(cfg json.RawMessage) error {
	if len(cfg) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(cfg, &m); err != nil {
		return api.Invalidf("config does not parse: %s", err)
	}
	if len(m) > 0 {
		return api.Invalidf("machine-up takes no config")
	}
	return nil
}

func (t upType) New(logger log.Logger, id probes.ID, cfg json.RawMessage) (probes.Instance, error) {
	if err := t.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if t.stater == nil {
		return nil, api.Internalf("no machine state source on this node")
	}
	if id.Machine == "" {
		return nil, api.Invalidf("machine-up probe %s has no machine target", id)
	}
	return &instance{
		logger:  log.With(logger, "probe", id.String(), "machine", id.Machine),
		stater:  t.stater,
		machine: id.Machine,
	}, nil
}

type instance struct {
	logger  log.Logger
	stater  Stater
	machine string
}

func (in *instance) Run(ctx context.Context, emit probes.EmitFunc) error {
	ch, err := in.stater.Changes(ctx, in.machine)
	if err != nil {
		return fmt.Errorf("watch machine %s: %w", in.machine, err)
	}

	// Only a recovery from a down we reported is news. The initial up
	// state, or an up after a restart of the agent, stays quiet.
	sawDown := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-ch:
			if !ok {
				return nil
			}
			switch {
			case !c.Up:
				sawDown = true
				level.Info(in.logger).Log("msg", "machine went down")
				emit(false, map[string]interface{}{
					"message": fmt.Sprintf("Machine %s went down.", in.machine),
					"machine": in.machine,
				})
			case sawDown:
				sawDown = false
				level.Info(in.logger).Log("msg", "machine back up")
				emit(true, map[string]interface{}{
					"message": fmt.Sprintf("Machine %s came back up.", in.machine),
					"machine": in.machine,
				})
			}
		}
	}
}
