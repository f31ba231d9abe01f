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

// Package email delivers notifications over SMTP. The contact's data field
// is the recipient address.
package email

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/model"
	"github.com/smartdc/amon/pkg/notify"
)

// Config is the email plugin section of the master config.
type Config struct {
	// From is the sender address on outgoing mail.
	From string `json:"from"`

	// Host and Port locate the smarthost. Port defaults to 25.
	Host string `json:"host"`
	Port int    `json:"port,omitempty"`

	// Username and Password enable PLAIN auth when both are set.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type mailer struct {
	logger log.Logger
	cfg    Config

	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New builds the "email" notifier.
func New(logger log.Logger, cfg Config) (notify.Notifier, error) {
	if cfg.From == "" {
		return nil, api.Missingf("email config: from is required")
	}
	if cfg.Host == "" {
		return nil, api.Missingf("email config: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	return &mailer{logger: logger, cfg: cfg, send: smtp.SendMail}, nil
}

func (m *mailer) Medium() string { return "email" }

func (m *mailer) Notify(ctx context.Context, acct *model.Account, address string, ev *api.Event) error {
	if address == "" {
		return api.Missingf("contact has no address")
	}
	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	msg := m.render(acct, address, ev)

	// net/smtp has no context hook, so honor cancellation around the call.
	errc := make(chan error, 1)
	go func() { errc <- m.send(addr, auth, m.cfg.From, []string{address}, msg) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("send to %s via %s: %w", address, addr, err)
		}
		_ = level.Debug(m.logger).Log("msg", "mail sent", "to", address, "event", ev.UUID)
		return nil
	}
}

func (m *mailer) render(acct *model.Account, address string, ev *api.Event) []byte {
	kind := "ALERT"
	if ev.Clear {
		kind = "ALL CLEAR"
	}
	monitor := ev.Monitor
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", address)
	fmt.Fprintf(&b, "Subject: [Amon] %s: monitor %q\r\n", kind, monitor)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")

	if msg := ev.Message(); msg != "" {
		b.WriteString(msg)
		b.WriteString("\r\n\r\n")
	}
	fmt.Fprintf(&b, "Account:  %s\r\n", acct.Login)
	fmt.Fprintf(&b, "Monitor:  %s\r\n", monitor)
	if ev.Probe != nil {
		fmt.Fprintf(&b, "Probe:    %s (type %s)\r\n", ev.Probe.Name, ev.Probe.Type)
	}
	fmt.Fprintf(&b, "Time:     %s\r\n", time.UnixMilli(ev.Time).UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Event:    %s\r\n", ev.UUID)
	return []byte(b.String())
}
