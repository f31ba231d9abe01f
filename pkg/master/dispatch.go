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
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/cache"
	"github.com/smartdc/amon/pkg/model"
	"github.com/smartdc/amon/pkg/notify"
)

// Dispatcher fans one inbound event out to the contacts of its monitor.
//
// Dispatch is deliberately forgiving: an event naming an unknown monitor is
// dropped with a warning, unknown contacts and media are skipped, and a
// failed delivery is logged and swallowed. The relay hop retries transport
// failures; once an event reaches the master, ingest has succeeded and the
// sender is never bounced for downstream trouble.
type Dispatcher struct {
	logger    log.Logger
	store     *Store
	accounts  *Accounts
	notifiers *notify.Registry
	cache     *cache.Cache

	received      *prometheus.CounterVec
	deduplicated  prometheus.Counter
	dropped       *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

// NewDispatcher builds the event dispatcher.
func NewDispatcher(logger log.Logger, reg prometheus.Registerer, store *Store, accounts *Accounts, notifiers *notify.Registry, c *cache.Cache) *Dispatcher {
	d := &Dispatcher{
		logger:    logger,
		store:     store,
		accounts:  accounts,
		notifiers: notifiers,
		cache:     c,
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_events_received_total",
			Help: "Events accepted for dispatch, by type.",
		}, []string{"type"}),
		deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_events_deduplicated_total",
			Help: "Events dropped as replays of a recently seen uuid.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_events_dropped_total",
			Help: "Events dropped without any delivery, by reason.",
		}, []string{"reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_notifications_total",
			Help: "Notification deliveries by medium and outcome.",
		}, []string{"medium", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(d.received, d.deduplicated, d.dropped, d.notifications)
	}
	return d
}

// Dispatch routes one validated event. The returned error is always nil
// today; the signature leaves room for an ingest-level failure mode without
// touching every caller.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *api.Event) error {
	logger := log.With(d.logger, "event", ev.UUID, "user", ev.User, "monitor", ev.Monitor)

	// Replays within the dedup window yield the same outcome as the first
	// copy did, without a second round of notifications.
	if _, _, seen := d.cache.Get(cache.ScopeEvent, ev.UUID); seen {
		d.deduplicated.Inc()
		_ = level.Debug(logger).Log("msg", "duplicate event ignored")
		return nil
	}
	d.cache.Put(cache.ScopeEvent, ev.UUID, true)
	d.received.WithLabelValues(ev.Type).Inc()

	monitor, err := d.store.GetMonitor(ctx, ev.User, ev.Monitor)
	if err != nil {
		d.dropped.WithLabelValues("unknown-monitor").Inc()
		_ = level.Warn(logger).Log("msg", "event for unresolvable monitor dropped", "err", err)
		return nil
	}

	// The account is display material for notifiers; a lookup failure
	// degrades the message, not the delivery.
	acct, err := d.accounts.ByUUID(ctx, ev.User)
	if err != nil {
		_ = level.Warn(logger).Log("msg", "account lookup failed, notifying without it", "err", err)
		acct = &model.Account{UUID: ev.User}
	}

	var wg sync.WaitGroup
	for _, name := range monitor.Contacts {
		contact, err := d.store.GetContact(ctx, ev.User, name)
		if err != nil {
			d.dropped.WithLabelValues("unknown-contact").Inc()
			_ = level.Warn(logger).Log("msg", "contact skipped", "contact", name, "err", err)
			continue
		}
		notifier, ok := d.notifiers.Notifier(contact.Medium)
		if !ok {
			d.dropped.WithLabelValues("unknown-medium").Inc()
			_ = level.Warn(logger).Log("msg", "contact skipped, no plugin for medium",
				"contact", name, "medium", contact.Medium)
			continue
		}

		wg.Add(1)
		go func(contact *model.Contact, notifier notify.Notifier) {
			defer wg.Done()
			if err := notifier.Notify(ctx, acct, contact.Data, ev); err != nil {
				d.notifications.WithLabelValues(contact.Medium, "error").Inc()
				_ = level.Warn(logger).Log("msg", "notification failed",
					"contact", contact.Name, "medium", contact.Medium, "err", err)
				return
			}
			d.notifications.WithLabelValues(contact.Medium, "ok").Inc()
			_ = level.Info(logger).Log("msg", "notification delivered",
				"contact", contact.Name, "medium", contact.Medium, "clear", ev.Clear)
		}(contact, notifier)
	}
	wg.Wait()
	return nil
}
