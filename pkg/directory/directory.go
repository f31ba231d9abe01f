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

// Package directory is a thin semantic view over the external directory
// service that persists Amon's objects. Higher layers never see the wire
// details of the directory: they get entries back verbatim and errors
// translated onto the API error kinds.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/smartdc/amon/pkg/api"
)

// Scope selects how deep a search descends below its base DN.
type Scope int

const (
	// ScopeBase matches only the base DN itself.
	ScopeBase Scope = iota
	// ScopeOne matches direct children of the base DN.
	ScopeOne
	// ScopeSub matches the base DN and its whole subtree.
	ScopeSub
)

// Entry is one directory record: a DN plus multi-valued attributes.
type Entry struct {
	DN    string
	Attrs map[string][]string
}

// First returns the first value of attr, or "" when absent.
func (e Entry) First(attr string) string {
	if vs := e.Attrs[attr]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Values returns all values of attr.
func (e Entry) Values(attr string) []string {
	return e.Attrs[attr]
}

// ModOp is the kind of attribute modification.
type ModOp int

const (
	// ModReplace replaces all values of an attribute.
	ModReplace ModOp = iota
	// ModAdd adds values to an attribute.
	ModAdd
	// ModDelete removes values of an attribute (all of them when empty).
	ModDelete
)

// Mod is one attribute change within a Modify call.
type Mod struct {
	Op     ModOp
	Attr   string
	Values []string
}

// Client is the directory access contract the core depends on.
//
// Implementations translate their native failures onto the api error kinds:
// missing DN on read/delete → ResourceNotFound, conflicting add → Constraint
// (detectable via IsExists), transient outage → Unavailable, anything else →
// InternalError. Unavailable results must never be cached by callers.
type Client interface {
	Search(ctx context.Context, baseDN string, scope Scope, filter string) ([]Entry, error)
	Add(ctx context.Context, dn string, attrs map[string][]string) error
	Modify(ctx context.Context, dn string, mods []Mod) error
	Delete(ctx context.Context, dn string) error
	Close() error
}

// errExists tags add conflicts so writers can fall back to a replace without
// string-matching messages.
var errExists = errors.New("entry already exists")

// IsExists reports whether err is an add conflict on an existing DN.
func IsExists(err error) bool {
	return errors.Is(err, errExists)
}

// ExistsErr is the error implementations report for an add conflict. It
// classifies as Constraint and satisfies IsExists.
func ExistsErr(dn string) error {
	return fmt.Errorf("%w: %w", errExists, api.Constraintf("entry %q already exists", dn))
}
