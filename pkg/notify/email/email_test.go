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

package email

import (
	"context"
	"net/smtp"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/model"
)

func testAccount() *model.Account {
	return &model.Account{
		UUID:  "11111111-2222-3333-4444-555555555555",
		Login: "alice",
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(log.NewNopLogger(), Config{Host: "mail"}); err == nil {
		t.Error("accepted config without from")
	}
	if _, err := New(log.NewNopLogger(), Config{From: "amon@x"}); err == nil {
		t.Error("accepted config without host")
	}
}

func TestNotifyRendersAlert(t *testing.T) {
	n, err := New(log.NewNopLogger(), Config{From: "amon@example.com", Host: "mail.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	m := n.(*mailer)

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	ev := api.NewProbeEvent(testAccount().UUID, "whistle", "whistlelog", "logscan", false,
		map[string]interface{}{"message": "Log matched twice."})
	if err := m.Notify(context.Background(), testAccount(), "ops@example.com", ev); err != nil {
		t.Fatal(err)
	}

	if gotAddr != "mail.example.com:25" {
		t.Errorf("addr = %q", gotAddr)
	}
	if gotFrom != "amon@example.com" || len(gotTo) != 1 || gotTo[0] != "ops@example.com" {
		t.Errorf("envelope = %q -> %v", gotFrom, gotTo)
	}
	body := string(gotMsg)
	for _, want := range []string{
		"Subject: [Amon] ALERT: monitor \"whistle\"",
		"Log matched twice.",
		"Probe:    whistlelog (type logscan)",
		"Account:  alice",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("message missing %q:\n%s", want, body)
		}
	}
}

func TestNotifyClearSubject(t *testing.T) {
	n, _ := New(log.NewNopLogger(), Config{From: "amon@example.com", Host: "mail"})
	m := n.(*mailer)
	var gotMsg []byte
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotMsg = msg
		return nil
	}
	ev := api.NewFakeEvent(testAccount().UUID, "whistle", true)
	if err := m.Notify(context.Background(), testAccount(), "ops@example.com", ev); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(gotMsg), "ALL CLEAR") {
		t.Errorf("clear event not marked ALL CLEAR:\n%s", gotMsg)
	}
}

func TestNotifyMissingAddress(t *testing.T) {
	n, _ := New(log.NewNopLogger(), Config{From: "amon@example.com", Host: "mail"})
	ev := api.NewFakeEvent(testAccount().UUID, "whistle", false)
	if err := n.Notify(context.Background(), testAccount(), "", ev); err == nil {
		t.Error("delivered to an empty address")
	}
}
