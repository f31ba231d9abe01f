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
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// targetRunner owns one target end to end: the poll loop mirroring the
// master's manifest to disk, and the unix-socket server agents read it
// from. The poll loop is the only writer of the target's files.
type targetRunner struct {
	logger log.Logger
	relay  *Relay
	target Target

	server *http.Server
	cancel context.CancelFunc
	done   chan struct{}
}

// startRunner brings up the socket server and the poll loop for t.
func (r *Relay) startRunner(ctx context.Context, t Target) (*targetRunner, error) {
	tr := &targetRunner{
		logger: log.With(r.logger, "target", t.String()),
		relay:  r,
		target: t,
		done:   make(chan struct{}),
	}

	sock := t.SocketPath(r.cfg.SocketDir)
	// A socket left over from an unclean shutdown blocks the bind.
	if err := os.Remove(sock); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", sock, err)
	}
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", sock, err)
	}

	ctx, tr.cancel = context.WithCancel(ctx)
	tr.server = &http.Server{Handler: tr.handler()}

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := tr.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			_ = level.Error(tr.logger).Log("msg", "agent server failed", "err", err)
		}
	}()
	go func() {
		defer close(tr.done)
		tr.pollLoop(ctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.server.Shutdown(shutdownCtx)
		<-serveDone
	}()
	return tr, nil
}

// stop halts the runner. With removeFiles, the target's manifest mirror and
// socket are deleted too: the target is gone, not just the relay.
func (tr *targetRunner) stop(removeFiles bool) {
	tr.cancel()
	<-tr.done
	if !removeFiles {
		return
	}
	for _, p := range []string{
		tr.target.ManifestPath(tr.relay.cfg.DataDir),
		tr.target.MD5Path(tr.relay.cfg.DataDir),
		tr.target.SocketPath(tr.relay.cfg.SocketDir),
	} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			_ = level.Warn(tr.logger).Log("msg", "removing target file failed", "path", p, "err", err)
		}
	}
}

// pollLoop syncs the manifest once per (jittered) interval. Failures switch
// the cadence to an exponential backoff until the master answers again; a
// sync always runs to completion before the next is considered, so
// overlapping ticks cannot happen by construction.
func (tr *targetRunner) pollLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0 // never give up, the manifest must converge

	// First sync immediately: a freshly provisioned machine should not wait
	// a full interval for its probes.
	for {
		wait := jitter(tr.relay.cfg.PollInterval)
		if err := tr.syncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = bo.NextBackOff()
			_ = level.Warn(tr.logger).Log("msg", "manifest sync failed", "err", err, "retry_in", wait)
		} else {
			bo.Reset()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// syncOnce fetches the manifest and, if its hash moved, rewrites the local
// mirror. Both files go through a write-to-temp-then-rename so readers only
// ever observe complete content.
func (tr *targetRunner) syncOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, tr.relay.cfg.PollInterval)
	defer cancel()

	m, err := tr.relay.client.FetchManifest(ctx, tr.target)
	if err != nil {
		tr.relay.polls.WithLabelValues("error").Inc()
		return err
	}

	onDisk, err := os.ReadFile(tr.target.MD5Path(tr.relay.cfg.DataDir))
	if err == nil && strings.TrimSpace(string(onDisk)) == m.MD5 {
		tr.relay.polls.WithLabelValues("unchanged").Inc()
		return nil
	}

	if err := writeFileAtomic(tr.target.ManifestPath(tr.relay.cfg.DataDir), m.Body); err != nil {
		tr.relay.polls.WithLabelValues("error").Inc()
		return err
	}
	if err := writeFileAtomic(tr.target.MD5Path(tr.relay.cfg.DataDir), []byte(m.MD5)); err != nil {
		tr.relay.polls.WithLabelValues("error").Inc()
		return err
	}
	tr.relay.polls.WithLabelValues("changed").Inc()
	tr.relay.manifestSync.Inc()
	_ = level.Info(tr.logger).Log("msg", "manifest updated", "md5", m.MD5, "bytes", len(m.Body))
	return nil
}

// jitter spreads d by +-10%.
func jitter(d time.Duration) time.Duration {
	f := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * f)
}

// writeFileAtomic replaces path via a temp file and rename in the same
// directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
