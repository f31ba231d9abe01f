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

package relay

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smartdc/amon/pkg/api"
)

// ForwardConfig bounds the upstream event queue. Events are best-effort:
// when the master stays away longer than the bounds allow, events are
// dropped, counted, and forgotten.
type ForwardConfig struct {
	// QueueSize caps queued events; overflow drops the oldest first.
	// Defaults to 1000.
	QueueSize int

	// MaxAge drops events that sat in the queue this long. Defaults to 10m.
	MaxAge time.Duration

	// MaxRetry caps the per-event retry budget once delivery is attempted.
	// Defaults to 3m.
	MaxRetry time.Duration
}

func (c *ForwardConfig) withDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 1000
	}
	if c.MaxAge == 0 {
		c.MaxAge = 10 * time.Minute
	}
	if c.MaxRetry == 0 {
		c.MaxRetry = 3 * time.Minute
	}
}

type queuedEvent struct {
	body  []byte
	added time.Time
}

// Forwarder drains agent events to the master, one at a time and in order.
// Ordering across events is only per-relay convenience, not a promise the
// pipeline makes; the master deduplicates on uuid regardless.
type Forwarder struct {
	logger log.Logger
	client *MasterClient
	cfg    ForwardConfig

	mtx   sync.Mutex
	queue []queuedEvent
	wake  chan struct{}

	queueLen  prometheus.GaugeFunc
	forwarded prometheus.Counter
	dropped   *prometheus.CounterVec
}

// NewForwarder builds the event forwarder.
func NewForwarder(logger log.Logger, reg prometheus.Registerer, client *MasterClient, cfg ForwardConfig) *Forwarder {
	cfg.withDefaults()
	f := &Forwarder{
		logger: logger,
		client: client,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amon_relay_events_forwarded_total",
			Help: "Events delivered to the master.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_relay_events_dropped_total",
			Help: "Events dropped before delivery, by reason.",
		}, []string{"reason"}),
	}
	f.queueLen = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "amon_relay_events_queued",
		Help: "Events waiting for delivery to the master.",
	}, func() float64 {
		f.mtx.Lock()
		defer f.mtx.Unlock()
		return float64(len(f.queue))
	})
	if reg != nil {
		reg.MustRegister(f.forwarded, f.dropped, f.queueLen)
	}
	return f
}

// Enqueue adds one event body. When the queue is full the oldest event
// makes room: the newest observation is the one worth keeping.
func (f *Forwarder) Enqueue(body []byte) {
	f.mtx.Lock()
	if len(f.queue) >= f.cfg.QueueSize {
		f.queue = f.queue[1:]
		f.dropped.WithLabelValues("overflow").Inc()
	}
	f.queue = append(f.queue, queuedEvent{body: body, added: time.Now()})
	f.mtx.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is done.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		ev, ok := f.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-f.wake:
				continue
			}
		}
		if age := time.Since(ev.added); age > f.cfg.MaxAge {
			f.dropped.WithLabelValues("expired").Inc()
			_ = level.Warn(f.logger).Log("msg", "event expired in queue", "age", age)
			continue
		}
		f.deliver(ctx, ev)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (f *Forwarder) pop() (queuedEvent, bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if len(f.queue) == 0 {
		return queuedEvent{}, false
	}
	ev := f.queue[0]
	f.queue = f.queue[1:]
	return ev, true
}

// deliver retries one event with exponential backoff up to the retry cap.
// A rejection by the master (4xx) is permanent: replaying a bad event
// forever helps nobody.
func (f *Forwarder) deliver(ctx context.Context, ev queuedEvent) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = f.cfg.MaxRetry

	err := backoff.Retry(func() error {
		err := f.client.PostEvent(ctx, ev.body)
		if err != nil && api.CodeOf(err) == api.CodeInvalidArgument {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		f.dropped.WithLabelValues("retry-exhausted").Inc()
		_ = level.Warn(f.logger).Log("msg", "event dropped after retries", "err", err)
		return
	}
	f.forwarded.Inc()
}
