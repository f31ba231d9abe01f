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

func TestContactFromParams(t *testing.T) {
	c, err := NewContactFromParams(ContactParams{
		User: testUser, Name: "oncall", Medium: "email", Data: "ops@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := c.DN(), ContactDN(testUser, "oncall"); got != want {
		t.Errorf("DN = %q, want %q", got, want)
	}
	if diff := cmp.Diff(ContactParams{
		User: testUser, Name: "oncall", Medium: "email", Data: "ops@example.com",
	}, c.Serialize(false)); diff != "" {
		t.Errorf("serialize mismatch (-want +got):\n%s", diff)
	}
}

func TestContactValidation(t *testing.T) {
	cases := []struct {
		name string
		p    ContactParams
		code api.Code
	}{
		{"no user", ContactParams{Name: "a", Medium: "email", Data: "x"}, api.CodeMissingParameter},
		{"bad user", ContactParams{User: "nope", Name: "a", Medium: "email", Data: "x"}, api.CodeInvalidArgument},
		{"no name", ContactParams{User: testUser, Medium: "email", Data: "x"}, api.CodeMissingParameter},
		{"bad name", ContactParams{User: testUser, Name: "9lives", Medium: "email", Data: "x"}, api.CodeInvalidArgument},
		{"no medium", ContactParams{User: testUser, Name: "a", Data: "x"}, api.CodeMissingParameter},
		{"bad medium", ContactParams{User: testUser, Name: "a", Medium: "e mail", Data: "x"}, api.CodeInvalidArgument},
		{"no data", ContactParams{User: testUser, Name: "a", Medium: "email"}, api.CodeMissingParameter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewContactFromParams(tc.p)
			if api.CodeOf(err) != tc.code {
				t.Errorf("code = %v (err %v), want %v", api.CodeOf(err), err, tc.code)
			}
		})
	}
}

func TestContactFromEntry(t *testing.T) {
	want, err := NewContactFromParams(ContactParams{
		User: testUser, Name: "oncall", Medium: "email", Data: "ops@example.com",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := NewContactFromEntry(directory.Entry{DN: want.DN(), Attrs: want.Attrs()})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entry round trip mismatch (-want +got):\n%s", diff)
	}

	// A record missing its medium is corruption, not caller error.
	bad := directory.Entry{DN: want.DN(), Attrs: map[string][]string{
		"objectclass": {"amoncontact"},
		"amoncontact": {"oncall"},
		"data":        {"ops@example.com"},
	}}
	if _, err := NewContactFromEntry(bad); api.CodeOf(err) != api.CodeInternalError {
		t.Errorf("corrupt entry: code = %v, want InternalError", api.CodeOf(err))
	}

	notContact := directory.Entry{DN: want.DN(), Attrs: map[string][]string{"objectclass": {"sdcperson"}}}
	if _, err := NewContactFromEntry(notContact); err == nil {
		t.Error("accepted an entry without the amoncontact class")
	}
}
