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

// Package notify defines the notification plugin contract and registry.
// A plugin owns one medium (the key contacts carry) and turns events into
// deliveries: an email, a webhook POST. Plugins are registered once at
// master startup from config; the dispatcher fans out to them concurrently,
// so implementations must be safe for concurrent use.
package notify

import (
	"context"
	"sort"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/model"
)

// Notifier delivers one event to one contact address.
type Notifier interface {
	// Medium is the name contacts reference, e.g. "email".
	Medium() string

	// Notify delivers ev to address. acct is the owning account, for
	// display purposes. A returned error means this one delivery failed;
	// it never aborts deliveries to other contacts.
	Notify(ctx context.Context, acct *model.Account, address string, ev *api.Event) error
}

// Registry is an immutable medium-to-Notifier table.
type Registry struct {
	byMedium map[string]Notifier
	media    []string
}

// NewRegistry builds a registry from the given notifiers. Duplicate media
// fail construction.
func NewRegistry(ns ...Notifier) (*Registry, error) {
	r := &Registry{byMedium: make(map[string]Notifier, len(ns))}
	for _, n := range ns {
		if _, ok := r.byMedium[n.Medium()]; ok {
			return nil, api.Internalf("notification medium %q registered twice", n.Medium())
		}
		r.byMedium[n.Medium()] = n
		r.media = append(r.media, n.Medium())
	}
	sort.Strings(r.media)
	return r, nil
}

// Notifier looks up the plugin for a medium.
func (r *Registry) Notifier(medium string) (Notifier, bool) {
	n, ok := r.byMedium[medium]
	return n, ok
}

// Media lists the registered media, sorted.
func (r *Registry) Media() []string {
	return append([]string(nil), r.media...)
}
