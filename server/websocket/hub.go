// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/mqttlab/events"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	sendBufferSize = 256
)

var _ events.Sink = (*Hub)(nil)

// Hub broadcasts every event as a JSON text frame to all watchers. A
// watcher whose buffer fills up is disconnected.
type Hub struct {
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	closed   bool
}

type watcher struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (w *watcher) stop() {
	w.once.Do(func() { close(w.send) })
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		watchers: make(map[*watcher]struct{}),
	}
}

// Len returns the number of connected watchers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

// Notify broadcasts ev.
func (h *Hub) Notify(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("websocket_event_encode_failed", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		select {
		case w.send <- data:
		default:
			delete(h.watchers, w)
			w.stop()
			h.logger.Warn("websocket_watcher_too_slow", slog.String("remote_addr", w.conn.RemoteAddr().String()))
		}
	}
}

// Serve registers conn and pumps events to it until either side closes.
func (h *Hub) Serve(conn *websocket.Conn) {
	w := &watcher{conn: conn, send: make(chan []byte, sendBufferSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.watchers[w] = struct{}{}
	h.mu.Unlock()

	go h.writePump(w)
	h.readPump(w)
}

// Close disconnects every watcher and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for w := range h.watchers {
		delete(h.watchers, w)
		w.stop()
	}
}

func (h *Hub) remove(w *watcher) {
	h.mu.Lock()
	delete(h.watchers, w)
	h.mu.Unlock()
	w.stop()
}

// readPump discards inbound frames and notices when the peer goes away.
func (h *Hub) readPump(w *watcher) {
	defer h.remove(w)

	w.conn.SetReadLimit(512)
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(w *watcher) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case data, ok := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
