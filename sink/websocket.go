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

package sink

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rulego/cep/api/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	// wsSendBuffer results buffered per client before the client is dropped
	wsSendBuffer = 256
)

// WebsocketHub streams results to websocket clients. A client may pass
// ?ruleId=N to receive the results of one rule only. Slow clients whose
// buffer fills up are disconnected.
type WebsocketHub struct {
	Upgrader websocket.Upgrader
	logger   types.Logger
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	closed   bool
	encode   Encoder
}

type wsClient struct {
	conn     *websocket.Conn
	send     chan []byte
	ruleId   int64
	hasRule  bool
	closeOne sync.Once
}

func NewWebsocketHub(logger types.Logger) *WebsocketHub {
	return &WebsocketHub{
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:  types.NewLogger(logger),
		clients: make(map[*wsClient]struct{}),
		encode:  JSONEncoder,
	}
}

func (h *WebsocketHub) Publish(ctx context.Context, result types.Result) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return types.ErrSinkClosed
	}
	if len(h.clients) == 0 {
		return nil
	}
	data, err := h.encode(result)
	if err != nil {
		return err
	}
	for c := range h.clients {
		if c.hasRule && c.ruleId != result.RuleId {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Printf("websocket %s: send buffer full, disconnecting", c.conn.RemoteAddr())
			go h.remove(c)
		}
	}
	return nil
}

// Clients is the number of connected clients.
func (h *WebsocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebsocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := &wsClient{send: make(chan []byte, wsSendBuffer)}
	if v := r.URL.Query().Get("ruleId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid ruleId", http.StatusBadRequest)
			return
		}
		c.ruleId, c.hasRule = id, true
	}
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("websocket upgrade: %v", err)
		return
	}
	c.conn = conn

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards inbound frames and notices when the peer goes away.
func (h *WebsocketHub) readLoop(c *wsClient) {
	defer h.remove(c)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebsocketHub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebsocketHub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.closeOne.Do(func() {
		close(c.send)
	})
}

// Close disconnects every client and rejects further results.
func (h *WebsocketHub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.closeOne.Do(func() {
			close(c.send)
		})
	}
	return nil
}
