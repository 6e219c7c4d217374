/*
 * Copyright 2023 The RuleGo Authors.
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

// Package rest is an inbound listener that accepts messages over HTTP:
// POST {path} with the raw message as the body.
//
// Package rest HTTP消息接收监听器
package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/endpoint/base"
	"github.com/rulego/cep/utils/maps"
)

const (
	Type        = "rest"
	DefaultPath = "/api/v1/msg"
	// DefaultMaxBodySize 4MB
	DefaultMaxBodySize = 4 << 20
)

// Config HTTP监听器配置
type Config struct {
	// Server 监听地址，例如 :9090
	Server      string
	Path        string
	MaxBodySize int64
	CertFile    string
	CertKeyFile string
	// ReadTimeout 默认10秒
	ReadTimeout time.Duration
}

type Listener struct {
	base.Listener
	Config   Config
	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

func New(id string, configuration map[string]interface{}, handler types.MessageHandler, logger types.Logger) (types.Listener, error) {
	var config Config
	if err := maps.Map2Struct(configuration, &config); err != nil {
		return nil, fmt.Errorf("%w: rest listener %s: %v", types.ErrInvalidConfig, id, err)
	}
	return NewListener(id, config, handler, logger)
}

func NewListener(id string, config Config, handler types.MessageHandler, logger types.Logger) (*Listener, error) {
	if config.Server == "" {
		return nil, fmt.Errorf("%w: rest listener %s: server is empty", types.ErrInvalidConfig, id)
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 10 * time.Second
	}
	if id == "" {
		id = Type + ":" + config.Server
	}
	l := &Listener{Config: config}
	l.Init(id, handler, logger)
	return l, nil
}

// Router returns the routes served by this listener.
func (l *Listener) Router() *httprouter.Router {
	router := httprouter.New()
	router.POST(l.Config.Path, l.handle)
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v interface{}) {
		l.Logger.Printf("listener %s: panic: %v", l.Id(), v)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
	return router
}

func (l *Listener) handle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if l.IsPaused() {
		http.Error(w, types.ErrListenerPaused.Error(), http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, l.Config.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := l.Handle(r.Context(), body); err != nil {
		l.Logger.Printf("listener %s: %v", l.Id(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server != nil && l.Listener.IsRunning() {
		return nil
	}
	ln, err := net.Listen("tcp", l.Config.Server)
	if err != nil {
		return fmt.Errorf("listener %s: %w", l.Id(), err)
	}
	server := &http.Server{Handler: l.Router(), ReadTimeout: l.Config.ReadTimeout, ReadHeaderTimeout: l.Config.ReadTimeout}
	l.server, l.listener, l.done = server, ln, make(chan struct{})
	l.SetRunning(true)
	go l.serve(server, ln, l.done)
	l.Logger.Printf("listener %s accepting POST %s on %s", l.Id(), l.Config.Path, ln.Addr())
	return nil
}

func (l *Listener) serve(server *http.Server, ln net.Listener, done chan struct{}) {
	defer close(done)
	var err error
	if l.Config.CertFile != "" && l.Config.CertKeyFile != "" {
		err = server.ServeTLS(ln, l.Config.CertFile, l.Config.CertKeyFile)
	} else {
		err = server.Serve(ln)
	}
	if !errors.Is(err, http.ErrServerClosed) {
		l.Logger.Printf("listener %s: serve: %v", l.Id(), err)
	}
	l.SetRunning(false)
}

// Addr is the bound address, useful when Server is ":0".
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.server == nil {
		l.SetRunning(false)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.server.Shutdown(ctx)
	<-l.done
	l.server, l.listener = nil, nil
	l.SetRunning(false)
	return err
}

// Pause keeps the port open and answers 503 until Resume.
func (l *Listener) Pause() error {
	l.SetPaused(true)
	return nil
}

func (l *Listener) Resume() error {
	l.SetPaused(false)
	return nil
}
