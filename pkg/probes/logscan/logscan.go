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

// Package logscan implements the "logscan" probe type: tail a log file and
// raise an event when a pattern matches often enough within a period.
package logscan

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/probes"
)

// Config is the logscan probe config as clients supply it.
type Config struct {
	// Path of the log file to scan. Must be absolute. The file may not
	// exist yet; scanning starts when it appears.
	Path string `json:"path"`

	// Regex is a regular expression applied to each appended line.
	Regex string `json:"regex"`

	// Match is the historical alias for Regex, still accepted on input.
	Match string `json:"match,omitempty"`

	// Threshold is how many matching lines within Period raise one event.
	// Defaults to 1.
	Threshold int `json:"threshold,omitempty"`

	// Period is the match window in seconds. Defaults to 60.
	Period int `json:"period,omitempty"`
}

func (c *Config) fillDefaults() {
	if c.Threshold == 0 {
		c.Threshold = 1
	}
	if c.Period == 0 {
		c.Period = 60
	}
}

type scanType struct{}

// NewType returns the logscan probe type.
func NewType() probes.Type {
	return scanType{}
}

func (scanType) Name() string { return "logscan" }

// Logscan runs inside the machine whose log it is watching.
func (scanType) RunInGlobal() bool { return false }

func (scanType) ValidateConfig(cfg json.RawMessage) error {
	c, err := parseConfig(cfg)
	if err != nil {
		return err
	}
	if c.Path == "" {
		return api.Missingf("config.path is required")
	}
	if !filepath.IsAbs(c.Path) {
		return api.Invalidf("config.path %q must be absolute", c.Path)
	}
	if c.Regex == "" {
		return api.Missingf("config.regex is required")
	}
	if _, err := regexp.Compile(c.Regex); err != nil {
		return api.Invalidf("config.regex does not compile: %s", err)
	}
	if c.Threshold < 0 || c.Period < 0 {
		return api.Invalidf("config.threshold and config.period must be positive")
	}
	return nil
}

func (t scanType) New(logger log.Logger, id probes.ID, cfg json.RawMessage) (probes.Instance, error) {
	if err := t.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	c, err := parseConfig(cfg)
	if err != nil {
		return nil, err
	}
	c.fillDefaults()
	return &instance{
		logger: log.With(logger, "probe", id.String(), "path", c.Path),
		cfg:    c,
		re:     regexp.MustCompile(c.Regex),
	}, nil
}

func parseConfig(cfg json.RawMessage) (Config, error) {
	var c Config
	if len(cfg) == 0 {
		return c, api.Missingf("config is required")
	}
	dec := json.NewDecoder(bytes.NewReader(cfg))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return c, api.Invalidf("config does not parse: %s", err)
	}
	if c.Regex == "" {
		c.Regex = c.Match
	} else if c.Match != "" && c.Match != c.Regex {
		return c, api.Invalidf("config.regex and config.match disagree")
	}
	return c, nil
}

// instance tails one file. A window of match timestamps decides when to
// fire; the window resets after each emit so a sustained error burst yields
// a stream of events instead of one per line.
type instance struct {
	logger log.Logger
	cfg    Config
	re     *regexp.Regexp

	f       *os.File
	offset  int64
	partial []byte
	hits    []time.Time
}

func (in *instance) Run(ctx context.Context, emit probes.EmitFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory, not the file: log rotation recreates the file
	// and a file watch dies with the old inode.
	dir := filepath.Dir(in.cfg.Path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// Start at the current end. Pre-existing content is history, not news.
	if err := in.open(io.SeekEnd); err == nil {
		defer in.close()
	} else if !os.IsNotExist(err) {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(in.cfg.Path) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				in.close()
				if err := in.open(io.SeekStart); err != nil {
					level.Warn(in.logger).Log("msg", "reopen after create failed", "err", err)
					continue
				}
				in.scan(emit)
			case ev.Op.Has(fsnotify.Write):
				if in.f == nil {
					if err := in.open(io.SeekStart); err != nil {
						continue
					}
				}
				in.scan(emit)
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				in.close()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			level.Warn(in.logger).Log("msg", "watcher error", "err", err)
		}
	}
}

func (in *instance) open(whence int) error {
	f, err := os.Open(in.cfg.Path)
	if err != nil {
		return err
	}
	off, err := f.Seek(0, whence)
	if err != nil {
		f.Close()
		return err
	}
	in.f, in.offset, in.partial = f, off, nil
	return nil
}

func (in *instance) close() {
	if in.f != nil {
		in.f.Close()
		in.f = nil
	}
	in.offset = 0
	in.partial = nil
}

// scan consumes bytes appended since the last read and feeds complete lines
// through the matcher.
func (in *instance) scan(emit probes.EmitFunc) {
	st, err := in.f.Stat()
	if err != nil {
		level.Warn(in.logger).Log("msg", "stat failed", "err", err)
		return
	}
	if st.Size() < in.offset {
		// Truncated in place.
		if _, err := in.f.Seek(0, io.SeekStart); err != nil {
			return
		}
		in.offset = 0
		in.partial = nil
	}
	buf, err := io.ReadAll(in.f)
	if err != nil {
		level.Warn(in.logger).Log("msg", "read failed", "err", err)
		return
	}
	in.offset += int64(len(buf))

	data := append(in.partial, buf...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		in.line(data[:i], emit)
		data = data[i+1:]
	}
	in.partial = append([]byte(nil), data...)
}

func (in *instance) line(line []byte, emit probes.EmitFunc) {
	if !in.re.Match(line) {
		return
	}
	now := time.Now()
	cutoff := now.Add(-time.Duration(in.cfg.Period) * time.Second)
	kept := in.hits[:0]
	for _, h := range in.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	in.hits = append(kept, now)

	if len(in.hits) >= in.cfg.Threshold {
		emit(false, map[string]interface{}{
			"message":   fmt.Sprintf("Log %q matched /%s/ >=%d time(s) in %ds.", in.cfg.Path, in.cfg.Regex, in.cfg.Threshold, in.cfg.Period),
			"match":     in.re.FindString(string(line)),
			"count":     len(in.hits),
			"threshold": in.cfg.Threshold,
			"period":    in.cfg.Period,
		})
		in.hits = in.hits[:0]
	}
}
