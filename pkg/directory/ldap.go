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

package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smartdc/amon/pkg/api"
)

var (
	directoryOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "amon_directory_operations_total",
		Help: "Number of directory operations by kind and outcome.",
	}, []string{"op", "outcome"})
	directoryRedials = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "amon_directory_redials_total",
		Help: "Number of reconnects to the directory service.",
	})
)

// LDAPConfig carries the connection settings for the directory service.
// They correspond to the ufds.* keys of the master configuration.
type LDAPConfig struct {
	URL      string `json:"url"`
	RootDN   string `json:"rootDn"`
	Password string `json:"password"`
	// Timeout bounds each directory operation. Zero means 10s.
	Timeout time.Duration `json:"-"`
}

// ldapClient implements Client on top of an LDAP connection. The underlying
// connection multiplexes concurrent requests; on network failure it is torn
// down and redialed lazily by the next operation.
type ldapClient struct {
	logger log.Logger
	cfg    LDAPConfig

	mtx  sync.Mutex
	conn *ldap.Conn
}

// DialLDAP connects and binds to the directory service.
func DialLDAP(logger log.Logger, reg prometheus.Registerer, cfg LDAPConfig) (Client, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if reg != nil {
		reg.MustRegister(directoryOps, directoryRedials)
	}
	c := &ldapClient{logger: logger, cfg: cfg}
	if _, err := c.get(); err != nil {
		return nil, fmt.Errorf("dialing directory: %w", err)
	}
	return c, nil
}

// get returns the live connection, dialing a fresh one when necessary.
func (c *ldapClient) get() (*ldap.Conn, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := ldap.DialURL(c.cfg.URL)
	if err != nil {
		return nil, api.Unavailablef("directory unreachable: %s", err)
	}
	conn.SetTimeout(c.cfg.Timeout)
	if err := conn.Bind(c.cfg.RootDN, c.cfg.Password); err != nil {
		conn.Close()
		return nil, translateLDAPError("bind", err)
	}
	directoryRedials.Inc()
	c.conn = conn
	return conn, nil
}

// drop discards the connection after a network failure so the next call
// redials.
func (c *ldapClient) drop(conn *ldap.Conn) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conn == conn {
		c.conn.Close()
		c.conn = nil
	}
}

// do runs one operation with redial-on-network-failure bookkeeping.
func (c *ldapClient) do(ctx context.Context, op string, fn func(*ldap.Conn) error) error {
	if err := ctx.Err(); err != nil {
		return api.Unavailablef("directory %s canceled: %s", op, err)
	}
	conn, err := c.get()
	if err != nil {
		directoryOps.WithLabelValues(op, "error").Inc()
		return err
	}
	if err := fn(conn); err != nil {
		if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
			c.drop(conn)
			_ = level.Warn(c.logger).Log("msg", "directory connection lost", "op", op, "err", err)
		}
		directoryOps.WithLabelValues(op, "error").Inc()
		return translateLDAPError(op, err)
	}
	directoryOps.WithLabelValues(op, "ok").Inc()
	return nil
}

func (c *ldapClient) Search(ctx context.Context, baseDN string, scope Scope, filter string) ([]Entry, error) {
	var entries []Entry
	err := c.do(ctx, "search", func(conn *ldap.Conn) error {
		req := ldap.NewSearchRequest(
			baseDN, ldapScope(scope), ldap.NeverDerefAliases, 0, 0, false,
			filter, nil, nil,
		)
		res, err := conn.Search(req)
		if err != nil {
			return err
		}
		entries = make([]Entry, 0, len(res.Entries))
		for _, e := range res.Entries {
			attrs := make(map[string][]string, len(e.Attributes))
			for _, a := range e.Attributes {
				attrs[a.Name] = a.Values
			}
			entries = append(entries, Entry{DN: e.DN, Attrs: attrs})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *ldapClient) Add(ctx context.Context, dn string, attrs map[string][]string) error {
	return c.do(ctx, "add", func(conn *ldap.Conn) error {
		req := ldap.NewAddRequest(dn, nil)
		for name, vals := range attrs {
			req.Attribute(name, vals)
		}
		return conn.Add(req)
	})
}

func (c *ldapClient) Modify(ctx context.Context, dn string, mods []Mod) error {
	return c.do(ctx, "modify", func(conn *ldap.Conn) error {
		req := ldap.NewModifyRequest(dn, nil)
		for _, m := range mods {
			switch m.Op {
			case ModReplace:
				req.Replace(m.Attr, m.Values)
			case ModAdd:
				req.Add(m.Attr, m.Values)
			case ModDelete:
				req.Delete(m.Attr, m.Values)
			}
		}
		return conn.Modify(req)
	})
}

func (c *ldapClient) Delete(ctx context.Context, dn string) error {
	return c.do(ctx, "delete", func(conn *ldap.Conn) error {
		return conn.Del(ldap.NewDelRequest(dn, nil))
	})
}

func (c *ldapClient) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

func ldapScope(s Scope) int {
	switch s {
	case ScopeBase:
		return ldap.ScopeBaseObject
	case ScopeOne:
		return ldap.ScopeSingleLevel
	default:
		return ldap.ScopeWholeSubtree
	}
}

// EscapeFilter escapes a value for embedding in a search filter. Callers
// building filters from request input must pass it through here.
func EscapeFilter(s string) string {
	return ldap.EscapeFilter(s)
}

// translateLDAPError maps directory failures onto API error kinds. The
// mapping is deliberately coarse: callers react to the kind, never to
// directory-specific result codes.
func translateLDAPError(op string, err error) error {
	switch {
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject):
		return api.NotFoundf("directory %s: no such object", op)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists):
		return fmt.Errorf("%w: %w", errExists, api.Constraintf("directory %s: entry already exists", op))
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials):
		return api.Internalf("directory %s: invalid credentials", op)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultConstraintViolation),
		ldap.IsErrorWithCode(err, ldap.LDAPResultObjectClassViolation),
		ldap.IsErrorWithCode(err, ldap.LDAPResultNotAllowedOnNonLeaf):
		return api.Constraintf("directory %s: %s", op, ldapMessage(err))
	case ldap.IsErrorWithCode(err, ldap.ErrorNetwork),
		ldap.IsErrorWithCode(err, ldap.LDAPResultBusy),
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable):
		return api.Unavailablef("directory %s: %s", op, ldapMessage(err))
	default:
		return api.Internalf("directory %s: %s", op, ldapMessage(err))
	}
}

func ldapMessage(err error) string {
	if lerr, ok := err.(*ldap.Error); ok {
		// lerr.Error() dereferences Err, which may be nil.
		if lerr.Err == nil {
			return ldap.LDAPResultCodeMap[lerr.ResultCode]
		}
		return lerr.Err.Error()
	}
	return err.Error()
}
