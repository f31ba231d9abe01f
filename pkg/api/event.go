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

package api

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// EventVersion is the only event wire version in existence. Events carrying
// any other version are rejected with a 400.
const EventVersion = 1

// Event type values.
const (
	EventTypeProbe = "probe"
	EventTypeFake  = "fake"
)

// EventProbe identifies the probe an event originated from.
type EventProbe struct {
	User    string `json:"user"`
	Monitor string `json:"monitor"`
	Name    string `json:"name"`
	Type    string `json:"type"`
}

// Event describes one probe firing (or clearing). It is produced by agents,
// forwarded verbatim by relays and dispatched by the master.
type Event struct {
	Version int                    `json:"v"`
	UUID    string                 `json:"uuid"`
	Type    string                 `json:"type"`
	User    string                 `json:"user"`
	Monitor string                 `json:"monitor"`
	Time    int64                  `json:"time"` // milliseconds since epoch
	Clear   bool                   `json:"clear"`
	Data    map[string]interface{} `json:"data"`
	Probe   *EventProbe            `json:"probe,omitempty"`
}

var uuidRE = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// IsUUID reports whether s is a lower-case hyphenated UUID.
func IsUUID(s string) bool {
	return uuidRE.MatchString(s)
}

// Validate checks the event against the wire contract. Version mismatches
// are reported distinctly so handlers can answer with a plain 400 instead of
// the structured conflict codes used by the object API.
func (ev *Event) Validate() error {
	if ev.Version != EventVersion {
		return Invalidf("unsupported event version %d", ev.Version)
	}
	if !IsUUID(ev.UUID) {
		return Invalidf("event uuid %q is not a UUID", ev.UUID)
	}
	if ev.Type != EventTypeProbe && ev.Type != EventTypeFake {
		return Invalidf("unknown event type %q", ev.Type)
	}
	if !IsUUID(ev.User) {
		return Invalidf("event user %q is not a UUID", ev.User)
	}
	if ev.Monitor == "" {
		return Missingf("event monitor is required")
	}
	if ev.Time <= 0 {
		return Missingf("event time is required")
	}
	if ev.Type == EventTypeProbe && ev.Probe == nil {
		return Missingf("probe events require a probe block")
	}
	return nil
}

// Message returns the human text carried in the event data, if any.
func (ev *Event) Message() string {
	if ev.Data == nil {
		return ""
	}
	s, _ := ev.Data["message"].(string)
	return s
}

// NewProbeEvent assembles a type=probe event for the given probe identity,
// stamping a fresh UUID and the current time.
func NewProbeEvent(user, monitor, name, probeType string, clear bool, data map[string]interface{}) *Event {
	return &Event{
		Version: EventVersion,
		UUID:    uuid.NewString(),
		Type:    EventTypeProbe,
		User:    user,
		Monitor: monitor,
		Time:    time.Now().UnixMilli(),
		Clear:   clear,
		Data:    data,
		Probe: &EventProbe{
			User:    user,
			Monitor: monitor,
			Name:    name,
			Type:    probeType,
		},
	}
}

// NewFakeEvent assembles the synthetic event dispatched by the master's
// fakefault action. It takes the same path through the dispatcher as a real
// probe event.
func NewFakeEvent(user, monitor string, clear bool) *Event {
	return &Event{
		Version: EventVersion,
		UUID:    uuid.NewString(),
		Type:    EventTypeFake,
		User:    user,
		Monitor: monitor,
		Time:    time.Now().UnixMilli(),
		Clear:   clear,
		Data: map[string]interface{}{
			"message": "fake fault injected for monitor " + monitor,
		},
	}
}
