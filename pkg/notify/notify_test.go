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

package notify

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/model"
)

type stub string

func (s stub) Medium() string { return string(s) }

func (s stub) Notify(context.Context, *model.Account, string, *api.Event) error {
	return nil
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(stub("webhook"), stub("email"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Notifier("email"); !ok {
		t.Error("email not found")
	}
	if _, ok := r.Notifier("sms"); ok {
		t.Error("found a medium that was never registered")
	}
	if diff := cmp.Diff([]string{"email", "webhook"}, r.Media()); diff != "" {
		t.Errorf("media (-want +got):\n%s", diff)
	}
	if _, err := NewRegistry(stub("email"), stub("email")); err == nil {
		t.Error("duplicate medium accepted")
	}
}
