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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/directory"
)

func TestMonitorContactsDeduped(t *testing.T) {
	m, err := NewMonitorFromParams(MonitorParams{
		User: testUser, Name: "whistle",
		Contacts: []string{"oncall", "backup", "oncall", "backup"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"oncall", "backup"}, m.Contacts); diff != "" {
		t.Errorf("contacts (-want +got):\n%s", diff)
	}
}

func TestMonitorValidation(t *testing.T) {
	if _, err := NewMonitorFromParams(MonitorParams{User: testUser, Name: "whistle"}); api.CodeOf(err) != api.CodeMissingParameter {
		t.Errorf("no contacts: code = %v, want MissingParameter", api.CodeOf(err))
	}
	_, err := NewMonitorFromParams(MonitorParams{
		User: testUser, Name: "whistle", Contacts: []string{"ok", "bad name"},
	})
	if api.CodeOf(err) != api.CodeInvalidArgument {
		t.Errorf("bad contact name: code = %v, want InvalidArgument", api.CodeOf(err))
	}
}

func TestMonitorFromEntry(t *testing.T) {
	want, err := NewMonitorFromParams(MonitorParams{
		User: testUser, Name: "whistle", Contacts: []string{"oncall", "backup"},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := NewMonitorFromEntry(directory.Entry{DN: want.DN(), Attrs: want.Attrs()})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entry round trip mismatch (-want +got):\n%s", diff)
	}
}
