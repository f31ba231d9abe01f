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

package model

import (
	"encoding/json"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/directory"
	"github.com/smartdc/amon/pkg/probes"
)

// ProbeParams is the public (API) form of a probe. Global is accepted on
// input for symmetry with the serialized form but is always ignored: it is
// derived from the probe type, never from the client.
type ProbeParams struct {
	User    string          `json:"user"`
	Monitor string          `json:"monitor"`
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Machine string          `json:"machine,omitempty"`
	Server  string          `json:"server,omitempty"`
	Config  json.RawMessage `json:"config,omitempty"`
	Global  bool            `json:"global,omitempty"`
}

// Probe is a validated check definition. Exactly one of Machine or Server
// is set. Global records whether the check runs in the server's global
// context rather than inside the targeted machine; it is a function of
// Type alone.
type Probe struct {
	User    string
	Monitor string
	Name    string
	Type    string
	Machine string
	Server  string
	Config  json.RawMessage
	Global  bool
}

// NewProbeFromParams builds a probe from its public form. The registry
// supplies the probe type: unknown types, bad configs and bad targets are
// all rejected here, before anything touches the directory.
func NewProbeFromParams(reg *probes.Registry, p ProbeParams) (*Probe, error) {
	pr := &Probe{
		User:    p.User,
		Monitor: p.Monitor,
		Name:    p.Name,
		Type:    p.Type,
		Machine: p.Machine,
		Server:  p.Server,
		Config:  p.Config,
	}
	if err := pr.validate(reg); err != nil {
		return nil, err
	}
	return pr, nil
}

// NewProbeFromEntry builds a probe from its directory record. Global is
// re-derived from the registry rather than trusted from storage.
func NewProbeFromEntry(reg *probes.Registry, e directory.Entry) (*Probe, error) {
	if !hasObjectClass(e, ocProbe) {
		return nil, api.Internalf("entry %q is not an %s", e.DN, ocProbe)
	}
	user, monitor, name, err := ParseProbeDN(e.DN)
	if err != nil {
		return nil, err
	}
	pr := &Probe{
		User:    user,
		Monitor: monitor,
		Name:    name,
		Type:    e.First("type"),
		Machine: e.First("machine"),
		Server:  e.First("server"),
	}
	if cfg := e.First("config"); cfg != "" {
		pr.Config = json.RawMessage(cfg)
	}
	if err := pr.validate(reg); err != nil {
		return nil, api.Internalf("probe %q is corrupt: %s", e.DN, err)
	}
	return pr, nil
}

// validate checks the probe and stamps Global from the type.
func (p *Probe) validate(reg *probes.Registry) error {
	if err := checkUser(p.User); err != nil {
		return err
	}
	if err := checkName("monitor", p.Monitor); err != nil {
		return err
	}
	if err := checkName("name", p.Name); err != nil {
		return err
	}
	if p.Type == "" {
		return api.Missingf("type is required")
	}
	t, ok := reg.Type(p.Type)
	if !ok {
		return api.Invalidf("type %q is unknown (known types: %s)", p.Type, reg.Names())
	}
	switch {
	case p.Machine == "" && p.Server == "":
		return api.Missingf("one of machine or server is required")
	case p.Machine != "" && p.Server != "":
		return api.Invalidf("only one of machine or server may be given")
	case p.Machine != "" && !api.IsUUID(p.Machine):
		return api.Invalidf("machine %q is not a UUID", p.Machine)
	case p.Server != "" && !api.IsUUID(p.Server):
		return api.Invalidf("server %q is not a UUID", p.Server)
	}
	if err := t.ValidateConfig(p.Config); err != nil {
		return api.Invalidf("config is invalid for type %q: %s", p.Type, err)
	}
	p.Global = t.RunInGlobal()
	return nil
}

// DN returns the directory location of the probe.
func (p *Probe) DN() string {
	return ProbeDN(p.User, p.Monitor, p.Name)
}

// Serialize returns the public form. The internal form, used on the relay
// manifest path, additionally carries the derived Global flag.
func (p *Probe) Serialize(internal bool) ProbeParams {
	out := ProbeParams{
		User:    p.User,
		Monitor: p.Monitor,
		Name:    p.Name,
		Type:    p.Type,
		Machine: p.Machine,
		Server:  p.Server,
		Config:  p.Config,
	}
	if internal {
		out.Global = p.Global
	}
	return out
}

// Attrs returns the directory attributes for an Add.
func (p *Probe) Attrs() map[string][]string {
	attrs := map[string][]string{
		"objectclass": {ocProbe},
		ocProbe:       {p.Name},
		"type":        {p.Type},
		"global":      {boolAttr(p.Global)},
	}
	if p.Machine != "" {
		attrs["machine"] = []string{p.Machine}
	}
	if p.Server != "" {
		attrs["server"] = []string{p.Server}
	}
	if len(p.Config) > 0 {
		attrs["config"] = []string{string(p.Config)}
	}
	return attrs
}

// Mods returns the operations that bring the stored record prev in line
// with p. A target switch between machine and server deletes the stale
// attribute, which a blind replace set could not express.
func (p *Probe) Mods(prev *Probe) []directory.Mod {
	mods := []directory.Mod{
		{Op: directory.ModReplace, Attr: "type", Values: []string{p.Type}},
		{Op: directory.ModReplace, Attr: "global", Values: []string{boolAttr(p.Global)}},
	}
	if len(p.Config) > 0 {
		mods = append(mods, directory.Mod{Op: directory.ModReplace, Attr: "config", Values: []string{string(p.Config)}})
	} else if prev != nil && len(prev.Config) > 0 {
		mods = append(mods, directory.Mod{Op: directory.ModDelete, Attr: "config"})
	}
	if p.Machine != "" {
		mods = append(mods, directory.Mod{Op: directory.ModReplace, Attr: "machine", Values: []string{p.Machine}})
		if prev != nil && prev.Server != "" {
			mods = append(mods, directory.Mod{Op: directory.ModDelete, Attr: "server"})
		}
	} else {
		mods = append(mods, directory.Mod{Op: directory.ModReplace, Attr: "server", Values: []string{p.Server}})
		if prev != nil && prev.Machine != "" {
			mods = append(mods, directory.Mod{Op: directory.ModDelete, Attr: "machine"})
		}
	}
	return mods
}

func boolAttr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
