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
	"fmt"
	"sort"

	"github.com/go-kit/log"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/cache"
	"github.com/smartdc/amon/pkg/directory"
	"github.com/smartdc/amon/pkg/model"
	"github.com/smartdc/amon/pkg/probes"
)

// Store is the typed CRUD layer over the directory, with the probe cache in
// front of reads. Writes go straight to the directory and invalidate what
// they dirtied: the entity's own entry and the listing of its parent.
//
// Deletes fetch the entity first, bypassing the cache, so a stale cached
// copy can neither hide a 404 nor satisfy one.
type Store struct {
	logger log.Logger
	dir    directory.Client
	cache  *cache.Cache
	reg    *probes.Registry
}

// NewStore builds the entity store.
func NewStore(logger log.Logger, dir directory.Client, c *cache.Cache, reg *probes.Registry) *Store {
	return &Store{logger: logger, dir: dir, cache: c, reg: reg}
}

// getEntry fetches exactly one entry at dn, or ResourceNotFound. More than
// one hit for a base-scoped search means the directory is corrupt.
func (s *Store) getEntry(ctx context.Context, dn, objectclass string) (directory.Entry, error) {
	entries, err := s.dir.Search(ctx, dn, directory.ScopeBase, fmt.Sprintf("(objectclass=%s)", objectclass))
	if err != nil {
		if api.CodeOf(err) == api.CodeResourceNotFound {
			return directory.Entry{}, api.NotFoundf("%s not found", dn)
		}
		return directory.Entry{}, err
	}
	switch len(entries) {
	case 0:
		return directory.Entry{}, api.NotFoundf("%s not found", dn)
	case 1:
		return entries[0], nil
	default:
		return directory.Entry{}, api.Internalf("%d entries at single DN %q", len(entries), dn)
	}
}

// put upserts: Add first, and on an existing DN fall back to Modify. The
// races both ways (Add losing to a concurrent Add, Modify losing to a
// concurrent Delete) resolve to the directory's own serialization; last
// write wins either way.
func (s *Store) put(ctx context.Context, dn string, attrs map[string][]string, mods []directory.Mod) error {
	err := s.dir.Add(ctx, dn, attrs)
	if err == nil {
		return nil
	}
	if !directory.IsExists(err) {
		return err
	}
	return s.dir.Modify(ctx, dn, mods)
}

// invalidate drops the entity and its parent listing from the cache.
func (s *Store) invalidate(entScope cache.Scope, dn string, listScope cache.Scope, parentDN string) {
	s.cache.Drop(entScope, dn)
	s.cache.Drop(listScope, parentDN)
}

// --- Contacts

// GetContact returns one contact, through the cache.
func (s *Store) GetContact(ctx context.Context, user, name string) (*model.Contact, error) {
	dn := model.ContactDN(user, name)
	v, err := s.cache.GetOrFill(ctx, cache.ScopeContact, dn, func(ctx context.Context) (interface{}, error) {
		e, err := s.getEntry(ctx, dn, "amoncontact")
		if err != nil {
			return nil, err
		}
		return model.NewContactFromEntry(e)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Contact), nil
}

// ListContacts returns all contacts of an account, through the cache.
func (s *Store) ListContacts(ctx context.Context, user string) ([]*model.Contact, error) {
	parent := model.AccountDN(user)
	v, err := s.cache.GetOrFill(ctx, cache.ScopeContactList, parent, func(ctx context.Context) (interface{}, error) {
		entries, err := s.dir.Search(ctx, parent, directory.ScopeOne, "(objectclass=amoncontact)")
		if err != nil {
			return nil, err
		}
		out := make([]*model.Contact, 0, len(entries))
		for _, e := range entries {
			c, err := model.NewContactFromEntry(e)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*model.Contact), nil
}

// PutContact upserts a contact.
func (s *Store) PutContact(ctx context.Context, c *model.Contact) error {
	if err := s.put(ctx, c.DN(), c.Attrs(), c.Mods()); err != nil {
		return err
	}
	s.invalidate(cache.ScopeContact, c.DN(), cache.ScopeContactList, model.AccountDN(c.User))
	return nil
}

// DeleteContact removes a contact, or ResourceNotFound.
func (s *Store) DeleteContact(ctx context.Context, user, name string) error {
	dn := model.ContactDN(user, name)
	if _, err := s.getEntry(ctx, dn, "amoncontact"); err != nil {
		return err
	}
	if err := s.dir.Delete(ctx, dn); err != nil {
		return err
	}
	s.invalidate(cache.ScopeContact, dn, cache.ScopeContactList, model.AccountDN(user))
	return nil
}

// --- Monitors

// GetMonitor returns one monitor, through the cache.
func (s *Store) GetMonitor(ctx context.Context, user, name string) (*model.Monitor, error) {
	dn := model.MonitorDN(user, name)
	v, err := s.cache.GetOrFill(ctx, cache.ScopeMonitor, dn, func(ctx context.Context) (interface{}, error) {
		e, err := s.getEntry(ctx, dn, "amonmonitor")
		if err != nil {
			return nil, err
		}
		return model.NewMonitorFromEntry(e)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Monitor), nil
}

// ListMonitors returns all monitors of an account, through the cache.
func (s *Store) ListMonitors(ctx context.Context, user string) ([]*model.Monitor, error) {
	parent := model.AccountDN(user)
	v, err := s.cache.GetOrFill(ctx, cache.ScopeMonitorList, parent, func(ctx context.Context) (interface{}, error) {
		entries, err := s.dir.Search(ctx, parent, directory.ScopeOne, "(objectclass=amonmonitor)")
		if err != nil {
			return nil, err
		}
		out := make([]*model.Monitor, 0, len(entries))
		for _, e := range entries {
			m, err := model.NewMonitorFromEntry(e)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*model.Monitor), nil
}

// PutMonitor upserts a monitor.
func (s *Store) PutMonitor(ctx context.Context, m *model.Monitor) error {
	if err := s.put(ctx, m.DN(), m.Attrs(), m.Mods()); err != nil {
		return err
	}
	s.invalidate(cache.ScopeMonitor, m.DN(), cache.ScopeMonitorList, model.AccountDN(m.User))
	return nil
}

// DeleteMonitor removes a monitor. A monitor that still has probes is
// protected: the delete fails with Constraint and the caller must remove
// the probes first.
func (s *Store) DeleteMonitor(ctx context.Context, user, name string) error {
	dn := model.MonitorDN(user, name)
	if _, err := s.getEntry(ctx, dn, "amonmonitor"); err != nil {
		return err
	}
	children, err := s.dir.Search(ctx, dn, directory.ScopeOne, "(objectclass=amonprobe)")
	if err != nil && api.CodeOf(err) != api.CodeResourceNotFound {
		return err
	}
	if len(children) > 0 {
		return api.Constraintf("monitor %q still has %d probe(s)", name, len(children))
	}
	if err := s.dir.Delete(ctx, dn); err != nil {
		return err
	}
	s.invalidate(cache.ScopeMonitor, dn, cache.ScopeMonitorList, model.AccountDN(user))
	s.cache.Drop(cache.ScopeProbeList, dn)
	return nil
}

// --- Probes

// GetProbe returns one probe, through the cache.
func (s *Store) GetProbe(ctx context.Context, user, monitor, name string) (*model.Probe, error) {
	dn := model.ProbeDN(user, monitor, name)
	v, err := s.cache.GetOrFill(ctx, cache.ScopeProbe, dn, func(ctx context.Context) (interface{}, error) {
		return s.getProbeDirect(ctx, dn)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Probe), nil
}

// GetProbeDirect returns the stored probe, bypassing the cache. The delete
// path uses it: authorization of a delete must run against what is actually
// stored, not against a cached copy.
func (s *Store) GetProbeDirect(ctx context.Context, user, monitor, name string) (*model.Probe, error) {
	return s.getProbeDirect(ctx, model.ProbeDN(user, monitor, name))
}

func (s *Store) getProbeDirect(ctx context.Context, dn string) (*model.Probe, error) {
	e, err := s.getEntry(ctx, dn, "amonprobe")
	if err != nil {
		return nil, err
	}
	return model.NewProbeFromEntry(s.reg, e)
}

// ListProbes returns all probes of a monitor, through the cache.
func (s *Store) ListProbes(ctx context.Context, user, monitor string) ([]*model.Probe, error) {
	parent := model.MonitorDN(user, monitor)
	v, err := s.cache.GetOrFill(ctx, cache.ScopeProbeList, parent, func(ctx context.Context) (interface{}, error) {
		entries, err := s.dir.Search(ctx, parent, directory.ScopeOne, "(objectclass=amonprobe)")
		if err != nil {
			return nil, err
		}
		return s.probesFromEntries(entries)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*model.Probe), nil
}

// PutProbe upserts a probe. The existing record, if any, feeds the modify
// set so a target switch between machine and server drops the stale
// attribute.
func (s *Store) PutProbe(ctx context.Context, p *model.Probe) error {
	err := s.dir.Add(ctx, p.DN(), p.Attrs())
	if directory.IsExists(err) {
		prev, perr := s.getProbeDirect(ctx, p.DN())
		if perr != nil && api.CodeOf(perr) != api.CodeResourceNotFound {
			return perr
		}
		err = s.dir.Modify(ctx, p.DN(), p.Mods(prev))
	}
	if err != nil {
		return err
	}
	s.invalidateProbe(p.User, p.Monitor, p.Name)
	return nil
}

// DeleteProbe removes a probe, or ResourceNotFound.
func (s *Store) DeleteProbe(ctx context.Context, user, monitor, name string) error {
	dn := model.ProbeDN(user, monitor, name)
	if _, err := s.getEntry(ctx, dn, "amonprobe"); err != nil {
		return err
	}
	if err := s.dir.Delete(ctx, dn); err != nil {
		return err
	}
	s.invalidateProbe(user, monitor, name)
	return nil
}

// invalidateProbe drops the probe, its monitor's listing, and every cached
// agent manifest. Manifest keys cannot be derived from the probe alone (a
// global probe lands in a server manifest found via placement), so the
// whole scope goes.
func (s *Store) invalidateProbe(user, monitor, name string) {
	s.invalidate(cache.ScopeProbe, model.ProbeDN(user, monitor, name),
		cache.ScopeProbeList, model.MonitorDN(user, monitor))
	s.cache.DropScope(cache.ScopeAgentProbes)
}

// ProbesForMachine returns every probe targeting the machine, across all
// accounts. Bypasses the cache; manifest building has its own.
func (s *Store) ProbesForMachine(ctx context.Context, machine string) ([]*model.Probe, error) {
	filter := fmt.Sprintf("(&(objectclass=amonprobe)(machine=%s))", directory.EscapeFilter(machine))
	entries, err := s.dir.Search(ctx, model.UsersBase, directory.ScopeSub, filter)
	if err != nil {
		return nil, err
	}
	return s.probesFromEntries(entries)
}

// ProbesForServer returns every probe directly targeting the server.
func (s *Store) ProbesForServer(ctx context.Context, server string) ([]*model.Probe, error) {
	filter := fmt.Sprintf("(&(objectclass=amonprobe)(server=%s))", directory.EscapeFilter(server))
	entries, err := s.dir.Search(ctx, model.UsersBase, directory.ScopeSub, filter)
	if err != nil {
		return nil, err
	}
	return s.probesFromEntries(entries)
}

func (s *Store) probesFromEntries(entries []directory.Entry) ([]*model.Probe, error) {
	out := make([]*model.Probe, 0, len(entries))
	for _, e := range entries {
		p, err := model.NewProbeFromEntry(s.reg, e)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sortProbes(out)
	return out, nil
}

// sortProbes orders by (user, monitor, name) so serialized manifests hash
// identically run to run.
func sortProbes(ps []*model.Probe) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.User != b.User {
			return a.User < b.User
		}
		if a.Monitor != b.Monitor {
			return a.Monitor < b.Monitor
		}
		return a.Name < b.Name
	})
}
