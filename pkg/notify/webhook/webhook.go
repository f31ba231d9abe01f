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

// Package webhook delivers notifications as HTTP POSTs. The contact's data
// field is the destination URL; the body is the event itself.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/model"
	"github.com/smartdc/amon/pkg/notify"
)

// Config is the webhook plugin section of the master config.
type Config struct {
	// TimeoutSeconds bounds one delivery end to end. Defaults to 10.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`

	// Headers are added to every request, e.g. an auth token.
	Headers map[string]string `json:"headers,omitempty"`
}

type hook struct {
	logger  log.Logger
	headers map[string]string
	client  *http.Client
}

// New builds the "webhook" notifier.
func New(logger log.Logger, cfg Config) (notify.Notifier, error) {
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 10
	}
	if cfg.TimeoutSeconds < 0 {
		return nil, api.Invalidf("webhook config: timeoutSeconds must be positive")
	}
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	return &hook{logger: logger, headers: cfg.Headers, client: client}, nil
}

func (h *hook) Medium() string { return "webhook" }

func (h *hook) Notify(ctx context.Context, acct *model.Account, address string, ev *api.Event) error {
	u, err := url.Parse(address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return api.Invalidf("contact address %q is not an http(s) URL", address)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.UUID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", api.ClientName+"/"+api.Version)
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", address, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post to %s: unexpected status %s", address, resp.Status)
	}
	_ = level.Debug(h.logger).Log("msg", "webhook delivered", "url", address, "event", ev.UUID)
	return nil
}
