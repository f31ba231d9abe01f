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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/smartdc/amon/pkg/api"
)

// Target is one manifest consumer the relay serves: a machine hosted on
// this node, or the node itself.
type Target struct {
	Type string `json:"type"` // "machine" or "server"
	UUID string `json:"uuid"`
}

// Key names the target in file and socket paths.
func (t Target) Key() string {
	return t.Type + "-" + t.UUID
}

func (t Target) String() string {
	return t.Type + "=" + t.UUID
}

// Validate rejects targets the relay cannot serve.
func (t Target) Validate() error {
	if t.Type != "machine" && t.Type != "server" {
		return api.Invalidf("target type %q must be machine or server", t.Type)
	}
	if !api.IsUUID(t.UUID) {
		return api.Invalidf("target uuid %q is not a UUID", t.UUID)
	}
	return nil
}

// ManifestPath is where the target's current manifest body lives on disk.
func (t Target) ManifestPath(dataDir string) string {
	return filepath.Join(dataDir, t.Key()+".json")
}

// MD5Path is the sidecar carrying the base64 MD5 of the manifest body.
func (t Target) MD5Path(dataDir string) string {
	return t.ManifestPath(dataDir) + ".content-md5"
}

// SocketPath is the per-target unix socket agents connect to.
func (t Target) SocketPath(socketDir string) string {
	return filepath.Join(socketDir, t.Key()+".sock")
}

// LoadTargets reads the targets file: a JSON array of targets, maintained
// by the platform's zone lifecycle hooks. Duplicates are an error; the
// relay would otherwise fight itself over the files.
func LoadTargets(path string) ([]Target, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	var ts []Target
	if err := json.Unmarshal(b, &ts); err != nil {
		return nil, fmt.Errorf("parse targets file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(ts))
	for _, t := range ts {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("targets file %s: %w", path, err)
		}
		if seen[t.Key()] {
			return nil, fmt.Errorf("targets file %s: duplicate target %s", path, t)
		}
		seen[t.Key()] = true
	}
	return ts, nil
}

// watchTargets invokes apply with the freshly loaded target set whenever the
// targets file changes, until ctx is done. The watch is on the directory:
// provisioning tools write-and-rename, which kills a file-level watch.
func watchTargets(ctx context.Context, logger log.Logger, path string, apply func([]Target)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create targets watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	// Writers often produce a burst of events per update; a short settle
	// timer collapses the burst into one reload.
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			settle = time.After(250 * time.Millisecond)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			_ = level.Warn(logger).Log("msg", "targets watcher error", "err", err)
		case <-settle:
			settle = nil
			ts, err := LoadTargets(path)
			if err != nil {
				_ = level.Warn(logger).Log("msg", "reloading targets failed, keeping previous set", "err", err)
				continue
			}
			apply(ts)
		}
	}
}
