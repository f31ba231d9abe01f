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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/smartdc/amon/pkg/api"
)

// Manifest is one fetched probe assignment: the body as the master sent it
// and its content hash.
type Manifest struct {
	Body []byte
	MD5  string
}

// MasterClient is the relay's upstream HTTP client.
type MasterClient struct {
	base string
	hc   *http.Client
}

// NewMasterClient builds a client for the master at baseURL.
func NewMasterClient(baseURL string) (*MasterClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("master url %q is not an http(s) URL", baseURL)
	}
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = 30 * time.Second
	return &MasterClient{base: strings.TrimRight(baseURL, "/"), hc: hc}, nil
}

// FetchManifest pulls the current manifest for one target. The hash is
// computed from the body actually received, not trusted from the header:
// what lands on disk must describe what was written, not what was promised.
func (c *MasterClient) FetchManifest(ctx context.Context, t Target) (Manifest, error) {
	u := fmt.Sprintf("%s/agentprobes?%s=%s", c.base, t.Type, t.UUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Manifest{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", api.ClientName+"-relay/"+api.Version)

	resp, err := c.hc.Do(req)
	if err != nil {
		return Manifest{}, api.Unavailablef("fetch manifest for %s: %s", t, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Manifest{}, api.Unavailablef("fetch manifest for %s: status %s", t, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Manifest{}, api.Unavailablef("read manifest for %s: %s", t, err)
	}
	return Manifest{Body: body, MD5: api.ContentMD5(body)}, nil
}

// PostEvent forwards one event body upstream. A 4xx answer means the master
// rejected the event for good; retrying it would never succeed and the
// caller should drop it.
func (c *MasterClient) PostEvent(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", api.ClientName+"-relay/"+api.Version)

	resp, err := c.hc.Do(req)
	if err != nil {
		return api.Unavailablef("post event: %s", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return api.Invalidf("post event: master rejected it: status %s", resp.Status)
	default:
		return api.Unavailablef("post event: status %s", resp.Status)
	}
}
