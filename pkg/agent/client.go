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

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/model"
)

// RelayClient talks to this sandbox's relay over its unix socket. The
// socket is the identity: the relay knows which target is calling from
// which socket the request arrived on, so no target is ever sent.
type RelayClient struct {
	hc *http.Client
}

// NewRelayClient builds a client for the relay socket at path.
func NewRelayClient(socketPath string) *RelayClient {
	transport := cleanhttp.DefaultPooledTransport()
	transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	// The host below is a placeholder; the dialer ignores it.
	return &RelayClient{hc: &http.Client{Transport: transport, Timeout: 30 * time.Second}}
}

func (c *RelayClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://relay"+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", api.ClientName+"-agent/"+api.Version)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, api.Unavailablef("relay %s %s: %s", method, path, err)
	}
	return resp, nil
}

// HeadManifest returns the relay's current manifest hash.
func (c *RelayClient) HeadManifest(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodHead, "/agentprobes", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", api.Unavailablef("relay HEAD /agentprobes: status %s", resp.Status)
	}
	md5 := resp.Header.Get("Content-MD5")
	if md5 == "" {
		return "", api.Internalf("relay sent no Content-MD5")
	}
	return md5, nil
}

// GetManifest fetches and parses the manifest, returning the probes and the
// hash of the body they came from.
func (c *RelayClient) GetManifest(ctx context.Context) ([]model.ProbeParams, string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/agentprobes", nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", api.Unavailablef("relay GET /agentprobes: status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, "", api.Unavailablef("read manifest: %s", err)
	}
	var ps []model.ProbeParams
	if err := json.Unmarshal(body, &ps); err != nil {
		return nil, "", api.Internalf("manifest does not parse: %s", err)
	}
	return ps, api.ContentMD5(body), nil
}

// PostEvent sends one event to the relay. Delivery past the relay is the
// relay's problem; a 202 here means the event is queued.
func (c *RelayClient) PostEvent(ctx context.Context, ev *api.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.UUID, err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusAccepted {
		return api.Unavailablef("relay POST /events: status %s", resp.Status)
	}
	return nil
}
