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

package master

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smartdc/amon/pkg/api"
	"github.com/smartdc/amon/pkg/model"
)

// maxBodyBytes bounds request bodies. Probe configs are small; anything
// bigger is a mistake or an attack.
const maxBodyBytes = 1 << 20

type acctKey struct{}

// Handler is the master's HTTP surface: the public object API under /pub,
// manifest serving for relays at /agentprobes, and event ingest at /events.
type Handler struct {
	logger     log.Logger
	accounts   *Accounts
	store      *Store
	authorizer *Authorizer
	dispatcher *Dispatcher
	manifests  *Manifests

	requests *prometheus.CounterVec

	mux *chi.Mux
}

// NewHandler wires the master API.
func NewHandler(logger log.Logger, reg prometheus.Registerer, accounts *Accounts, store *Store, az *Authorizer, d *Dispatcher, m *Manifests) *Handler {
	h := &Handler{
		logger:     logger,
		accounts:   accounts,
		store:      store,
		authorizer: az,
		dispatcher: d,
		manifests:  m,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amon_http_requests_total",
			Help: "Master API requests by route and status code.",
		}, []string{"route", "code"}),
	}
	if reg != nil {
		reg.MustRegister(h.requests)
	}

	r := chi.NewRouter()
	r.Get("/ping", h.instrument("ping", h.handlePing))
	r.Head("/agentprobes", h.instrument("agentprobes", h.handleAgentProbes))
	r.Get("/agentprobes", h.instrument("agentprobes", h.handleAgentProbes))
	r.Post("/events", h.instrument("events", h.handlePostEvent))

	r.Route("/pub/{login}", func(r chi.Router) {
		r.Use(h.withAccount)
		r.Get("/", h.instrument("account", h.handleGetAccount))

		r.Get("/contacts", h.instrument("contacts", h.handleListContacts))
		r.Get("/contacts/{contact}", h.instrument("contact", h.handleGetContact))
		r.Put("/contacts/{contact}", h.instrument("contact", h.handlePutContact))
		r.Delete("/contacts/{contact}", h.instrument("contact", h.handleDeleteContact))

		r.Get("/monitors", h.instrument("monitors", h.handleListMonitors))
		r.Get("/monitors/{monitor}", h.instrument("monitor", h.handleGetMonitor))
		r.Put("/monitors/{monitor}", h.instrument("monitor", h.handlePutMonitor))
		r.Delete("/monitors/{monitor}", h.instrument("monitor", h.handleDeleteMonitor))
		r.Post("/monitors/{monitor}", h.instrument("monitor-action", h.handleMonitorAction))

		r.Get("/monitors/{monitor}/probes", h.instrument("probes", h.handleListProbes))
		r.Get("/monitors/{monitor}/probes/{probe}", h.instrument("probe", h.handleGetProbe))
		r.Put("/monitors/{monitor}/probes/{probe}", h.instrument("probe", h.handlePutProbe))
		r.Delete("/monitors/{monitor}/probes/{probe}", h.instrument("probe", h.handleDeleteProbe))
	})
	h.mux = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// statusRecorder captures the status code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (h *Handler) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		h.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

// withAccount resolves the :login route parameter and parks the account on
// the request context. Everything under /pub requires it.
func (h *Handler) withAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acct, err := h.accounts.ByLogin(r.Context(), chi.URLParam(r, "login"))
		if err != nil {
			api.WriteError(h.logger, w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), acctKey{}, acct)))
	})
}

func account(r *http.Request) *model.Account {
	return r.Context().Value(acctKey{}).(*model.Account)
}

// decodeBody reads a JSON request body into v. An empty body is allowed and
// leaves v untouched: PUT identity comes from the route, and some entities
// need nothing more.
func (h *Handler) decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return api.Invalidf("request body does not parse: %s", err)
	}
	return nil
}

func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(h.logger, w, http.StatusOK, map[string]interface{}{
		"ping":    "pong",
		"pid":     os.Getpid(),
		"version": api.Version,
	})
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(h.logger, w, http.StatusOK, account(r))
}

// --- Contacts

func (h *Handler) handleListContacts(w http.ResponseWriter, r *http.Request) {
	cs, err := h.store.ListContacts(r.Context(), account(r).UUID)
	if err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	out := make([]model.ContactParams, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Serialize(false))
	}
	api.WriteJSON(h.logger, w, http.StatusOK, out)
}

func (h *Handler) handleGetContact(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetContact(r.Context(), account(r).UUID, chi.URLParam(r, "contact"))
	if err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	api.WriteJSON(h.logger, w, http.StatusOK, c.Serialize(false))
}

func (h *Handler) handlePutContact(w http.ResponseWriter, r *http.Request) {
	var params model.ContactParams
	if err := h.decodeBody(r, &params); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	// Route identity wins over whatever the body claims.
	params.User = account(r).UUID
	params.Name = chi.URLParam(r, "contact")

	c, err := model.NewContactFromParams(params)
	if err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	if err := h.store.PutContact(r.Context(), c); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	api.WriteJSON(h.logger, w, http.StatusOK, c.Serialize(false))
}

func (h *Handler) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteContact(r.Context(), account(r).UUID, chi.URLParam(r, "contact")); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Monitors

func (h *Handler) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	ms, err := h.store.ListMonitors(r.Context(), account(r).UUID)
	if err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	out := make([]model.MonitorParams, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Serialize(false))
	}
	api.WriteJSON(h.logger, w, http.StatusOK, out)
}

func (h *Handler) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	m, err := h.store.GetMonitor(r.Context(), account(r).UUID, chi.URLParam(r, "monitor"))
	if err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	api.WriteJSON(h.logger, w, http.StatusOK, m.Serialize(false))
}

func (h *Handler) handlePutMonitor(w http.ResponseWriter, r *http.Request) {
	var params model.MonitorParams
	if err := h.decodeBody(r, &params); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	params.User = account(r).UUID
	params.Name = chi.URLParam(r, "monitor")

	m, err := model.NewMonitorFromParams(params)
	if err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	if err := h.store.PutMonitor(r.Context(), m); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	api.WriteJSON(h.logger, w, http.StatusOK, m.Serialize(false))
}

func (h *Handler) handleDeleteMonitor(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteMonitor(r.Context(), account(r).UUID, chi.URLParam(r, "monitor")); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMonitorAction serves POST /pub/:login/monitors/:monitor?action=...
// The only action is fakefault: push a synthetic event through the real
// dispatch path so an account can verify its contacts end to end.
func (h *Handler) handleMonitorAction(w http.ResponseWriter, r *http.Request) {
	acct := account(r)
	name := chi.URLParam(r, "monitor")
	if action := r.URL.Query().Get("action"); action != "fakefault" {
		api.WriteError(h.logger, w, api.Invalidf("unknown action %q", action))
		return
	}
	if _, err := h.store.GetMonitor(r.Context(), acct.UUID, name); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	clear := r.URL.Query().Get("clear") == "true"
	ev := api.NewFakeEvent(acct.UUID, name, clear)
	_ = level.Info(h.logger).Log("msg", "dispatching fake fault", "monitor", name,
		"account", acct.Login, "clear", clear)
	if err := h.dispatcher.Dispatch(r.Context(), ev); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	api.WriteJSON(h.logger, w, http.StatusOK, map[string]bool{"success": true})
}

// --- Probes

func (h *Handler) handleListProbes(w http.ResponseWriter, r *http.Request) {
	acct := account(r)
	monitor := chi.URLParam(r, "monitor")
	if _, err := h.store.GetMonitor(r.Context(), acct.UUID, monitor); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	ps, err := h.store.ListProbes(r.Context(), acct.UUID, monitor)
	if err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	out := make([]model.ProbeParams, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Serialize(false))
	}
	api.WriteJSON(h.logger, w, http.StatusOK, out)
}

func (h *Handler) handleGetProbe(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProbe(r.Context(), account(r).UUID, chi.URLParam(r, "monitor"), chi.URLParam(r, "probe"))
	if err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	api.WriteJSON(h.logger, w, http.StatusOK, p.Serialize(false))
}

func (h *Handler) handlePutProbe(w http.ResponseWriter, r *http.Request) {
	acct := account(r)
	var params model.ProbeParams
	if err := h.decodeBody(r, &params); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	params.User = acct.UUID
	params.Monitor = chi.URLParam(r, "monitor")
	params.Name = chi.URLParam(r, "probe")

	// Validation first, authorization second, persistence last. The probe
	// must hang off an existing monitor of the same account.
	p, err := model.NewProbeFromParams(h.store.reg, params)
	if err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	if _, err := h.store.GetMonitor(r.Context(), acct.UUID, p.Monitor); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	if err := h.authorizer.AuthorizeProbePut(r.Context(), acct, p); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	if err := h.store.PutProbe(r.Context(), p); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	api.WriteJSON(h.logger, w, http.StatusOK, p.Serialize(false))
}

func (h *Handler) handleDeleteProbe(w http.ResponseWriter, r *http.Request) {
	acct := account(r)
	monitor, name := chi.URLParam(r, "monitor"), chi.URLParam(r, "probe")

	// The stored probe, not a cached copy, is what gets authorized.
	p, err := h.store.GetProbeDirect(r.Context(), acct.UUID, monitor, name)
	if err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	if err := h.authorizer.AuthorizeProbeDelete(r.Context(), acct, p); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	if err := h.store.DeleteProbe(r.Context(), acct.UUID, monitor, name); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Relay-facing endpoints

func (h *Handler) handleAgentProbes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	targetType, uuid, err := ParseTargetQuery(q.Get("machine"), q.Get("server"))
	if err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	m, err := h.manifests.Get(r.Context(), targetType, uuid)
	if err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-MD5", m.MD5)
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(m.Body); err != nil {
		_ = level.Error(h.logger).Log("msg", "writing manifest failed", "err", err)
	}
}

func (h *Handler) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	var ev api.Event
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(&ev); err != nil {
		api.WriteJSON(h.logger, w, http.StatusBadRequest,
			&api.Error{Code: api.CodeInvalidArgument, Message: "event body does not parse: " + err.Error()})
		return
	}
	if err := ev.Validate(); err != nil {
		// Malformed events get a plain 400, not the object API's 409.
		msg := err.Error()
		var apiErr *api.Error
		if errors.As(err, &apiErr) {
			msg = apiErr.Message
		}
		api.WriteJSON(h.logger, w, http.StatusBadRequest,
			&api.Error{Code: api.CodeInvalidArgument, Message: msg})
		return
	}
	if err := h.dispatcher.Dispatch(r.Context(), &ev); err != nil {
		api.WriteError(h.logger, w, err)
		return
	}
	api.WriteJSON(h.logger, w, http.StatusAccepted, map[string]bool{"success": true})
}
