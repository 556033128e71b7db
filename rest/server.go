// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package rest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/gdamore/devvisor"
)

// Auth enables HTTP basic authentication when User is set.  PasswordHash
// is a bcrypt hash.
type Auth struct {
	User         string
	PasswordHash string
}

type HandlerOptions struct {
	// Gatherer, if not nil, is served on /metrics.
	Gatherer prometheus.Gatherer
	Auth     Auth
	Logger   zerolog.Logger
}

// Handler wraps a Manager, adding http.Handler functionality.
type Handler struct {
	m      *devvisor.Manager
	r      *mux.Router
	auth   Auth
	logger zerolog.Logger
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.auth.User != "" {
			user, pass, ok := r.BasicAuth()
			if !ok || user != h.auth.User ||
				bcrypt.CompareHashAndPassword([]byte(h.auth.PasswordHash), []byte(pass)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="devvisor"`)
				h.writeError(w, &Error{http.StatusUnauthorized, "Unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// pollTime returns how long a read may wait for a change.
func pollTime(r *http.Request) time.Duration {
	secs, err := strconv.Atoi(r.Header.Get(PollTimeHeader))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, MaxPollTime)
}

// notModified waits, within the request's poll time, for watch to report
// a value different from the If-None-Match etag.  It writes 304 and
// returns true when nothing changed.  Otherwise the Etag header is set
// for the current value.
func (h *Handler) notModified(w http.ResponseWriter, r *http.Request, watch func(old int64, expire time.Duration) int64) bool {
	cur := watch(0, 0)
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		if old, err := parseEtag(inm); err == nil {
			cur = watch(old, pollTime(r))
			if cur == old {
				w.Header().Set("Etag", formatEtag(cur))
				w.WriteHeader(http.StatusNotModified)
				return true
			}
		}
	}
	w.Header().Set("Etag", formatEtag(cur))
	return false
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	if h.notModified(w, r, h.m.WatchSerial) {
		return
	}
	h.writeJson(w, h.m.GetInfo())
}

func (h *Handler) listProcesses(w http.ResponseWriter, r *http.Request) {
	if h.notModified(w, r, h.m.WatchSerial) {
		return
	}
	h.writeJson(w, h.m.StatusList())
}

func (h *Handler) findProcess(name string) (devvisor.ChildStatus, *Error) {
	for _, st := range h.m.StatusList() {
		if st.Name == name {
			return st, nil
		}
	}
	return devvisor.ChildStatus{}, &Error{http.StatusNotFound, "Process not found"}
}

func (h *Handler) getProcess(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["process"]
	if _, e := h.findProcess(name); e != nil {
		h.writeError(w, e)
		return
	}
	if h.notModified(w, r, h.m.WatchSerial) {
		return
	}
	if st, e := h.findProcess(name); e != nil {
		h.writeError(w, e)
	} else {
		h.writeJson(w, st)
	}
}

func actionError(err error) *Error {
	switch {
	case errors.Is(err, devvisor.ErrNotFound):
		return &Error{http.StatusNotFound, "Process not found"}
	case errors.Is(err, devvisor.ErrBusy), errors.Is(err, devvisor.ErrNotRunning):
		return &Error{http.StatusConflict, err.Error()}
	}
	return &Error{http.StatusBadRequest, err.Error()}
}

func (h *Handler) action(fn func(c *devvisor.Child) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["process"]
		c, err := h.m.Child(name)
		if err == nil {
			h.logger.Info().Str("process", name).Str("path", r.URL.Path).Msg("HTTP request")
			err = fn(c)
		}
		if err != nil {
			h.writeError(w, actionError(err))
			return
		}
		h.writeJson(w, ok)
	}
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	if h.notModified(w, r, h.m.WatchLog) {
		return
	}
	recs, _ := h.m.GetLog(0)
	h.writeJson(w, recs)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(m *devvisor.Manager, opts HandlerOptions) *Handler {
	r := mux.NewRouter()
	h := &Handler{m: m, r: r, auth: opts.Auth, logger: opts.Logger}
	r.Use(h.authenticate)
	r.HandleFunc("/info", h.getInfo).Methods("GET")
	r.HandleFunc("/processes", h.listProcesses).Methods("GET")
	r.HandleFunc("/processes/{process}", h.getProcess).Methods("GET")
	r.HandleFunc("/processes/{process}/kill", h.action(func(c *devvisor.Child) error {
		return c.Kill(false)
	})).Methods("POST")
	r.HandleFunc("/processes/{process}/restart", h.action((*devvisor.Child).Restart)).Methods("POST")
	r.HandleFunc("/processes/{process}/revive", h.action((*devvisor.Child).Revive)).Methods("POST")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	return h
}

// Server serves a handler until its context ends.  It is meant to run
// under a supervisor.
type Server struct {
	addr    string
	handler http.Handler
	logger  zerolog.Logger
	bound   string
	ready   chan struct{}
	once    sync.Once
	mx      sync.Mutex
}

func NewServer(addr string, h http.Handler, logger zerolog.Logger) *Server {
	return &Server{addr: addr, handler: h, logger: logger, ready: make(chan struct{})}
}

func (s *Server) String() string {
	return "http " + s.addr
}

// Addr returns the address the server listens on, once it does.
func (s *Server) Addr() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.bound
}

// Ready is closed when the server first listens.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mx.Lock()
	s.bound = ln.Addr().String()
	s.mx.Unlock()
	s.once.Do(func() { close(s.ready) })

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("HTTP API listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		// Long polls may still be waiting.
		srv.Close()
	}
	<-errc
	return nil
}
