/*
 * Copyright 2024 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package server is the operator HTTP API of the engine: listener control,
// health, rule runtime invalidation, Prometheus metrics and a websocket
// stream of results.
//
// Package server 引擎运维接口。
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rulego/cep"
	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/endpoint/base"
	"github.com/rulego/cep/engine"
	"github.com/rulego/cep/sink"
	"github.com/rulego/cep/supervisor"
	"github.com/rulego/cep/utils/json"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiBasePath  = "/api/v1"
	listenerPath = apiBasePath + "/listeners"
	rulePath     = apiBasePath + "/rules"
	runtimePath  = apiBasePath + "/runtimes"
	healthPath   = apiBasePath + "/health"
	metricsPath  = apiBasePath + "/metrics"
	resultsPath  = apiBasePath + "/results"
)

// Config 运维接口配置
type Config struct {
	// Server 监听地址，默认 :9091
	Server string
	// Users maps user names to bcrypt password hashes. Empty disables authentication.
	Users map[string]string
}

// Server 运维接口服务
type Server struct {
	config   Config
	engine   *cep.Engine
	hub      *sink.WebsocketHub
	logger   types.Logger
	router   *httprouter.Router
	registry *prometheus.Registry

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// New builds the API. hub may be nil, then the results stream is not served.
func New(e *cep.Engine, hub *sink.WebsocketHub, config Config) *Server {
	if config.Server == "" {
		config.Server = ":9091"
	}
	s := &Server{
		config:   config,
		engine:   e,
		hub:      hub,
		logger:   types.NewLogger(e.Config().Logger),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(e.Collector())
	s.router = s.routes()
	return s
}

func (s *Server) routes() *httprouter.Router {
	r := httprouter.New()
	r.GET(listenerPath, s.auth(s.listListeners))
	r.GET(listenerPath+"/:id", s.auth(s.getListener))
	r.POST(listenerPath+"/:id/start", s.auth(s.listenerOp(s.engine.Supervisor().StartListener)))
	r.POST(listenerPath+"/:id/stop", s.auth(s.listenerOp(s.engine.Supervisor().StopListener)))
	r.POST(listenerPath+"/:id/pause", s.auth(s.listenerOp(s.engine.Supervisor().PauseListener)))
	r.POST(listenerPath+"/:id/resume", s.auth(s.listenerOp(s.engine.Supervisor().ResumeListener)))
	r.GET(rulePath, s.auth(s.listRules))
	r.POST(rulePath+"/:id/invalidate", s.auth(s.invalidateRule))
	r.GET(runtimePath, s.auth(s.listRuntimes))
	r.GET(healthPath, s.health)
	r.Handler(http.MethodGet, metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	if s.hub != nil {
		r.GET(resultsPath, s.auth(func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
			s.hub.ServeHTTP(w, req)
		}))
	}
	r.PanicHandler = func(w http.ResponseWriter, req *http.Request, v interface{}) {
		s.logger.Printf("api %s %s: panic: %v", req.Method, req.URL.Path, v)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
	return r
}

// Handler returns the routes, for embedding in another server or for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) auth(h httprouter.Handle) httprouter.Handle {
	if len(s.config.Users) == 0 {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		username, password, ok := r.BasicAuth()
		if ok && s.checkPassword(username, password) {
			h(w, r, ps)
			return
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="cep"`)
		writeError(w, http.StatusUnauthorized, "unauthorized")
	}
}

func (s *Server) checkPassword(username, password string) bool {
	for u, hash := range s.config.Users {
		if subtle.ConstantTimeCompare([]byte(u), []byte(username)) == 1 {
			return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
		}
	}
	return false
}

// HashPassword returns the bcrypt hash to put in Config.Users.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// ListenerView is one listener in API responses.
type ListenerView struct {
	Id           string                   `json:"id"`
	State        supervisor.ListenerState `json:"state"`
	FailureCount int                      `json:"failureCount"`
	Running      bool                     `json:"running"`
	Paused       bool                     `json:"paused"`
	Stats        *base.Stats              `json:"stats,omitempty"`
}

func (s *Server) listenerView(id string) (ListenerView, error) {
	sv := s.engine.Supervisor()
	status, err := sv.Status(id)
	if err != nil {
		return ListenerView{}, err
	}
	running, _ := sv.IsListenerRunning(id)
	view := ListenerView{Id: id, State: status.State, FailureCount: status.FailureCount, Running: running, Paused: status.Paused}
	if l, err := sv.Listener(id); err == nil {
		if st, ok := l.(interface{ Stats() base.Stats }); ok {
			stats := st.Stats()
			view.Stats = &stats
		}
	}
	return view, nil
}

func (s *Server) listListeners(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	views := []ListenerView{}
	for _, id := range s.engine.Supervisor().Listeners() {
		if v, err := s.listenerView(id); err == nil {
			views = append(views, v)
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getListener(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	view, err := s.listenerView(ps.ByName("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listenerOp(op func(id string) error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		if err := op(id); err != nil {
			s.logger.Printf("api %s: %v", r.URL.Path, err)
			writeErr(w, err)
			return
		}
		view, err := s.listenerView(id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rules, err := s.engine.Directory().ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if rules == nil {
		rules = []types.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) invalidateRule(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := strconv.ParseInt(ps.ByName("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	s.engine.Cache().Invalidate(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ruleId": id, "invalidated": true})
}

// RuntimeView is one cached rule runtime.
type RuntimeView struct {
	RuleId    int64     `json:"ruleId"`
	Name      string    `json:"name"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
}

func (s *Server) listRuntimes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	views := []RuntimeView{}
	s.engine.Cache().Range(func(ruleId int64, h *engine.RuntimeHandle) bool {
		rule := h.Rule()
		views = append(views, RuntimeView{RuleId: ruleId, Name: rule.Name, Language: rule.Language, CreatedAt: h.CreatedAt(), LastUsed: h.LastUsed()})
		return true
	})
	sort.Slice(views, func(i, j int) bool { return views[i].RuleId < views[j].RuleId })
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h := s.engine.Health()
	code := http.StatusOK
	if h.Status != supervisor.StatusUp {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

// Start serves the API in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.config.Server)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func(server *http.Server) {
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("api server: %v", err)
		}
	}(s.httpServer)
	s.logger.Printf("api server listening on %s", ln.Addr())
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer, s.listener = nil, nil
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	b, _ := json.Marshal(map[string]string{"error": msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

// writeErr maps engine errors to status codes.
func writeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, types.ErrListenerNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
