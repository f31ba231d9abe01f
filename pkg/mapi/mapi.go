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

// Package mapi is the client for the cloud's machine API, the source of
// truth for machine ownership and placement. The master consults it to
// authorize probe writes and to map servers to the machines placed on them.
//
// MAPI outages must not cascade: a circuit breaker fronts the HTTP client
// and trips to Unavailable instead of piling up connection attempts.
package mapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/smartdc/amon/pkg/api"
)

// Machine is the subset of the machine record Amon cares about.
type Machine struct {
	UUID   string `json:"uuid"`
	Owner  string `json:"owner_uuid"`
	Server string `json:"server_uuid"`
	State  string `json:"state,omitempty"`
}

// Client answers ownership and placement questions.
type Client interface {
	// GetMachine returns the machine record, or ResourceNotFound.
	GetMachine(ctx context.Context, machine string) (*Machine, error)

	// ServerExists reports whether a server UUID is known to the cloud.
	ServerExists(ctx context.Context, server string) (bool, error)

	// ListServerMachines returns the machines placed on a server.
	ListServerMachines(ctx context.Context, server string) ([]*Machine, error)
}

// Config is the mapi section of the master config.
type Config struct {
	URL            string `json:"url"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type httpClient struct {
	logger log.Logger
	cfg    Config
	hc     *http.Client
	cb     *gobreaker.CircuitBreaker

	requests *prometheus.CounterVec
}

// New builds the MAPI client.
func New(logger log.Logger, reg prometheus.Registerer, cfg Config) (Client, error) {
	if cfg.URL == "" {
		return nil, api.Missingf("mapi config: url is required")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = 10
	}
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second

	c := &httpClient{
		logger: logger,
		cfg:    cfg,
		hc:     hc,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_mapi_requests_total",
			Help: "MAPI requests by operation and outcome.",
		}, []string{"op", "outcome"}),
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mapi",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level.Warn(logger).Log("msg", "breaker state change", "breaker", name,
				"from", from.String(), "to", to.String())
		},
	})
	if reg != nil {
		reg.MustRegister(c.requests)
	}
	return c, nil
}

// do runs one request through the breaker. Only transport failures count
// against the breaker; an HTTP response of any status is MAPI answering.
func (c *httpClient) do(ctx context.Context, op, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL+path, nil)
	if err != nil {
		return nil, api.Internalf("build mapi request: %s", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", api.ClientName+"/"+api.Version)
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	v, err := c.cb.Execute(func() (interface{}, error) {
		return c.hc.Do(req)
	})
	if err != nil {
		c.requests.WithLabelValues(op, "unavailable").Inc()
		return nil, api.Unavailablef("mapi %s: %s", op, err)
	}
	resp := v.(*http.Response)
	c.requests.WithLabelValues(op, fmt.Sprintf("%d", resp.StatusCode)).Inc()
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func (c *httpClient) GetMachine(ctx context.Context, machine string) (*Machine, error) {
	if !api.IsUUID(machine) {
		return nil, api.Invalidf("machine %q is not a UUID", machine)
	}
	resp, err := c.do(ctx, "GetMachine", "/machines/"+machine)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	switch {
	case resp.StatusCode == http.StatusOK:
		var m Machine
		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			return nil, api.Internalf("decode machine %s: %s", machine, err)
		}
		return &m, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, api.NotFoundf("machine %s not found", machine)
	case resp.StatusCode >= 500:
		return nil, api.Unavailablef("mapi GetMachine: status %s", resp.Status)
	default:
		return nil, api.Internalf("mapi GetMachine: unexpected status %s", resp.Status)
	}
}

func (c *httpClient) ServerExists(ctx context.Context, server string) (bool, error) {
	if !api.IsUUID(server) {
		return false, api.Invalidf("server %q is not a UUID", server)
	}
	resp, err := c.do(ctx, "ServerExists", "/servers/"+server)
	if err != nil {
		return false, err
	}
	defer drain(resp)
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 500:
		return false, api.Unavailablef("mapi ServerExists: status %s", resp.Status)
	default:
		return false, api.Internalf("mapi ServerExists: unexpected status %s", resp.Status)
	}
}

func (c *httpClient) ListServerMachines(ctx context.Context, server string) ([]*Machine, error) {
	if !api.IsUUID(server) {
		return nil, api.Invalidf("server %q is not a UUID", server)
	}
	resp, err := c.do(ctx, "ListServerMachines", "/servers/"+server+"/machines")
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	switch {
	case resp.StatusCode == http.StatusOK:
		var ms []*Machine
		if err := json.NewDecoder(resp.Body).Decode(&ms); err != nil {
			return nil, api.Internalf("decode machines on %s: %s", server, err)
		}
		return ms, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, api.NotFoundf("server %s not found", server)
	case resp.StatusCode >= 500:
		return nil, api.Unavailablef("mapi ListServerMachines: status %s", resp.Status)
	default:
		return nil, api.Internalf("mapi ListServerMachines: unexpected status %s", resp.Status)
	}
}
