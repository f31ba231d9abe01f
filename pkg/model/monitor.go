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
	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/directory"
)

// MonitorParams is the public (API) form of a monitor.
type MonitorParams struct {
	User     string   `json:"user"`
	Name     string   `json:"name"`
	Contacts []string `json:"contacts"`
}

// Monitor is a named group of probes sharing a contact list. Contacts are
// names of contact records under the same account; they are kept in the
// order given, first occurrence wins on duplicates.
type Monitor struct {
	User     string
	Name     string
	Contacts []string
}

// NewMonitorFromParams builds a monitor from its public form.
func NewMonitorFromParams(p MonitorParams) (*Monitor, error) {
	m := &Monitor{User: p.User, Name: p.Name, Contacts: dedupe(p.Contacts)}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMonitorFromEntry builds a monitor from its directory record.
func NewMonitorFromEntry(e directory.Entry) (*Monitor, error) {
	if !hasObjectClass(e, ocMonitor) {
		return nil, api.Internalf("entry %q is not an %s", e.DN, ocMonitor)
	}
	user, name, err := ParseMonitorDN(e.DN)
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		User:     user,
		Name:     name,
		Contacts: dedupe(e.Values("contact")),
	}
	if err := m.validate(); err != nil {
		return nil, api.Internalf("monitor %q is corrupt: %s", e.DN, err)
	}
	return m, nil
}

func (m *Monitor) validate() error {
	if err := checkUser(m.User); err != nil {
		return err
	}
	if err := checkName("name", m.Name); err != nil {
		return err
	}
	if len(m.Contacts) == 0 {
		return api.Missingf("contacts is required and must name at least one contact")
	}
	for _, c := range m.Contacts {
		if !ValidName(c) {
			return api.Invalidf("contact name %q must match %s", c, nameRE.String())
		}
	}
	return nil
}

// DN returns the directory location of the monitor.
func (m *Monitor) DN() string {
	return MonitorDN(m.User, m.Name)
}

// Serialize returns the public form.
func (m *Monitor) Serialize(internal bool) MonitorParams {
	return MonitorParams{User: m.User, Name: m.Name, Contacts: append([]string(nil), m.Contacts...)}
}

// Attrs returns the directory attributes for an Add.
func (m *Monitor) Attrs() map[string][]string {
	return map[string][]string{
		"objectclass": {ocMonitor},
		ocMonitor:     {m.Name},
		"contact":     append([]string(nil), m.Contacts...),
	}
}

// Mods returns replace operations for the PUT-over-existing path.
func (m *Monitor) Mods() []directory.Mod {
	return []directory.Mod{
		{Op: directory.ModReplace, Attr: "contact", Values: append([]string(nil), m.Contacts...)},
	}
}

// dedupe drops repeated values, keeping first occurrences in order.
func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
