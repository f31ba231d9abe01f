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

// Package directorytest provides an in-memory directory.Client honoring the
// same semantics the core relies on from the real directory: hierarchical
// DNs, scoped searches with equality/and/or filters, add conflicts, and
// non-leaf delete protection.
package directorytest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/directory"
)

// Fake is an in-memory directory.
type Fake struct {
	mtx     sync.Mutex
	entries map[string]directory.Entry // keyed by normalized DN
	err     error
}

// New returns an empty fake directory.
func New() *Fake {
	return &Fake{entries: make(map[string]directory.Entry)}
}

// SetErr forces every subsequent operation to fail with err until cleared
// with SetErr(nil). Use api.Unavailablef(...) to simulate an outage.
func (f *Fake) SetErr(err error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.err = err
}

// MustAdd seeds an entry, panicking on conflict. Intended for test setup.
func (f *Fake) MustAdd(dn string, attrs map[string][]string) {
	if err := f.Add(context.Background(), dn, attrs); err != nil {
		panic(err)
	}
}

// Len returns the number of stored entries.
func (f *Fake) Len() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.entries)
}

func (f *Fake) Search(_ context.Context, baseDN string, scope directory.Scope, filter string) ([]directory.Entry, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	match, err := parseFilter(filter)
	if err != nil {
		return nil, api.Internalf("bad filter %q: %s", filter, err)
	}
	base := normDN(baseDN)
	var out []directory.Entry
	for dn, e := range f.entries {
		if !inScope(dn, base, scope) {
			continue
		}
		if match(e) {
			out = append(out, copyEntry(e))
		}
	}
	// Deterministic order keeps manifest hashes stable across runs.
	sort.Slice(out, func(i, j int) bool { return out[i].DN < out[j].DN })
	return out, nil
}

func (f *Fake) Add(_ context.Context, dn string, attrs map[string][]string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return f.err
	}
	key := normDN(dn)
	if _, ok := f.entries[key]; ok {
		return directory.ExistsErr(dn)
	}
	f.entries[key] = copyEntry(directory.Entry{DN: dn, Attrs: attrs})
	return nil
}

func (f *Fake) Modify(_ context.Context, dn string, mods []directory.Mod) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return f.err
	}
	key := normDN(dn)
	e, ok := f.entries[key]
	if !ok {
		return api.NotFoundf("no such object %q", dn)
	}
	for _, m := range mods {
		attr := strings.ToLower(m.Attr)
		switch m.Op {
		case directory.ModReplace:
			e.Attrs[attr] = append([]string(nil), m.Values...)
		case directory.ModAdd:
			e.Attrs[attr] = append(e.Attrs[attr], m.Values...)
		case directory.ModDelete:
			if len(m.Values) == 0 {
				delete(e.Attrs, attr)
				continue
			}
			drop := make(map[string]bool, len(m.Values))
			for _, v := range m.Values {
				drop[v] = true
			}
			var kept []string
			for _, v := range e.Attrs[attr] {
				if !drop[v] {
					kept = append(kept, v)
				}
			}
			e.Attrs[attr] = kept
		}
	}
	f.entries[key] = e
	return nil
}

func (f *Fake) Delete(_ context.Context, dn string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return f.err
	}
	key := normDN(dn)
	if _, ok := f.entries[key]; !ok {
		return api.NotFoundf("no such object %q", dn)
	}
	suffix := ", " + key
	for other := range f.entries {
		if strings.HasSuffix(other, suffix) {
			return api.Constraintf("entry %q has children", dn)
		}
	}
	delete(f.entries, key)
	return nil
}

func (f *Fake) Close() error { return nil }

func copyEntry(e directory.Entry) directory.Entry {
	attrs := make(map[string][]string, len(e.Attrs))
	for k, vs := range e.Attrs {
		attrs[strings.ToLower(k)] = append([]string(nil), vs...)
	}
	return directory.Entry{DN: e.DN, Attrs: attrs}
}

// normDN canonicalizes comma spacing and case so lookups are stable no
// matter how the caller assembled the DN.
func normDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.ToLower(strings.Join(parts, ", "))
}

func inScope(dn, base string, scope directory.Scope) bool {
	switch scope {
	case directory.ScopeBase:
		return dn == base
	case directory.ScopeOne:
		suffix := ", " + base
		if !strings.HasSuffix(dn, suffix) {
			return false
		}
		return !strings.Contains(strings.TrimSuffix(dn, suffix), ",")
	default:
		return dn == base || strings.HasSuffix(dn, ", "+base)
	}
}

// matcher evaluates a parsed filter against an entry.
type matcher func(directory.Entry) bool

// parseFilter understands the subset of LDAP filters the core emits:
// equality, presence, and (&...)/(|...) composites.
func parseFilter(s string) (matcher, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return func(directory.Entry) bool { return true }, nil
	}
	m, rest, err := parseNode(s)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(rest) != "" {
		return nil, api.Internalf("trailing filter input %q", rest)
	}
	return m, nil
}

func parseNode(s string) (matcher, string, error) {
	if !strings.HasPrefix(s, "(") {
		return nil, "", api.Internalf("filter node must start with '(' in %q", s)
	}
	s = s[1:]
	switch {
	case strings.HasPrefix(s, "&"), strings.HasPrefix(s, "|"):
		op := s[0]
		rest := s[1:]
		var children []matcher
		for strings.HasPrefix(rest, "(") {
			child, r, err := parseNode(rest)
			if err != nil {
				return nil, "", err
			}
			children = append(children, child)
			rest = r
		}
		if !strings.HasPrefix(rest, ")") {
			return nil, "", api.Internalf("unterminated composite filter")
		}
		all := op == '&'
		return func(e directory.Entry) bool {
			for _, c := range children {
				if c(e) != all {
					return !all
				}
			}
			return all
		}, rest[1:], nil
	default:
		end := strings.IndexByte(s, ')')
		if end < 0 {
			return nil, "", api.Internalf("unterminated filter atom")
		}
		atom, rest := s[:end], s[end+1:]
		eq := strings.IndexByte(atom, '=')
		if eq < 0 {
			return nil, "", api.Internalf("filter atom %q lacks '='", atom)
		}
		attr, want := strings.ToLower(atom[:eq]), atom[eq+1:]
		if want == "*" {
			return func(e directory.Entry) bool {
				return len(e.Attrs[attr]) > 0
			}, rest, nil
		}
		return func(e directory.Entry) bool {
			for _, v := range e.Attrs[attr] {
				if strings.EqualFold(v, want) {
					return true
				}
			}
			return false
		}, rest, nil
	}
}
