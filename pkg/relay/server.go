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
	"encoding/json"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/log/level"

	"github.com/smartdc/amon/pkg/api"
)

// emptyManifest is what agents see before the first sync lands: an empty
// probe list, hashed like any other body so the change protocol just works.
var (
	emptyManifest    = []byte("[]")
	emptyManifestMD5 = api.ContentMD5(emptyManifest)
)

// handler serves one target's agent. The socket identifies the target, so
// the routes carry no target parameters.
func (tr *targetRunner) handler() http.Handler {
	r := chi.NewRouter()
	r.Head("/agentprobes", tr.handleAgentProbes)
	r.Get("/agentprobes", tr.handleAgentProbes)
	r.Post("/events", tr.handlePostEvent)
	return r
}

// handleAgentProbes answers from the disk mirror. HEAD is the agent's cheap
// change check: just the Content-MD5 header off the sidecar file.
func (tr *targetRunner) handleAgentProbes(w http.ResponseWriter, r *http.Request) {
	dataDir := tr.relay.cfg.DataDir
	md5, err := os.ReadFile(tr.target.MD5Path(dataDir))
	body, md5s := emptyManifest, emptyManifestMD5
	if err == nil {
		md5s = string(md5)
		if r.Method == http.MethodGet {
			body, err = os.ReadFile(tr.target.ManifestPath(dataDir))
			if err != nil {
				_ = level.Error(tr.logger).Log("msg", "manifest mirror unreadable", "err", err)
				api.WriteError(tr.logger, w, api.Internalf("manifest mirror unreadable"))
				return
			}
		}
	} else if !os.IsNotExist(err) {
		_ = level.Error(tr.logger).Log("msg", "manifest hash unreadable", "err", err)
		api.WriteError(tr.logger, w, api.Internalf("manifest mirror unreadable"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-MD5", md5s)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		if _, err := w.Write(body); err != nil {
			_ = level.Warn(tr.logger).Log("msg", "writing manifest to agent failed", "err", err)
		}
	}
}

// handlePostEvent accepts one event from the agent and queues it for the
// master. The body is forwarded verbatim; the relay only vets that it is an
// event at all, so garbage dies here instead of cycling through the
// forwarder's retries.
func (tr *targetRunner) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		api.WriteJSON(tr.logger, w, http.StatusBadRequest,
			&api.Error{Code: api.CodeInvalidArgument, Message: "reading event body failed: " + err.Error()})
		return
	}
	var ev api.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		api.WriteJSON(tr.logger, w, http.StatusBadRequest,
			&api.Error{Code: api.CodeInvalidArgument, Message: "event body does not parse: " + err.Error()})
		return
	}
	if err := ev.Validate(); err != nil {
		api.WriteJSON(tr.logger, w, http.StatusBadRequest,
			&api.Error{Code: api.CodeInvalidArgument, Message: err.Error()})
		return
	}
	tr.relay.fwd.Enqueue(body)
	_ = level.Debug(tr.logger).Log("msg", "event accepted for forward", "event", ev.UUID)
	api.WriteJSON(tr.logger, w, http.StatusAccepted, map[string]bool{"success": true})
}
