// Package broadcast fans confirmed version diffs out to websocket
// subscribers, so clients can follow changes other clients make.
package broadcast

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"entitysync/server/internal/protocol"

	"github.com/gorilla/websocket"
)

const (
	defaultBufferSize = 64
	writeWait         = 10 * time.Second
)

type subscriber struct {
	entityName string
	send       chan protocol.VersionDiff
}

// Hub publishes without ever blocking the publisher: each subscriber has a
// bounded buffer, and a subscriber whose buffer is full is dropped.
type Hub struct {
	bufferSize int
	upgrader   websocket.Upgrader

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

// NewHub uses a default buffer size when bufferSize is not positive.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		bufferSize: bufferSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		subscribers: make(map[*subscriber]struct{}),
	}
}

func (h *Hub) PublishVersionDiff(ctx context.Context, diff protocol.VersionDiff) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		if sub.entityName != "" && sub.entityName != diff.EntityName {
			continue
		}
		select {
		case sub.send <- diff:
		default:
			log.Printf("broadcast dropping slow subscriber entity=%s", sub.entityName)
			h.remove(sub)
			reportDropped()
		}
	}
	reportPublished(diff.EntityName)
}

// Subscribe returns a channel of diffs for entityName, or for every entity
// when entityName is empty. The channel is closed when the subscriber is
// dropped or cancel is called.
func (h *Hub) Subscribe(entityName string) (<-chan protocol.VersionDiff, func()) {
	sub := &subscriber{entityName: entityName, send: make(chan protocol.VersionDiff, h.bufferSize)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	reportSubscribers(len(h.subscribers))
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.remove(sub)
	}
	return sub.send, cancel
}

func (h *Hub) remove(sub *subscriber) {
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	close(sub.send)
	reportSubscribers(len(h.subscribers))
}

// ServeHTTP upgrades to a websocket and streams diffs as JSON messages. The
// entityName query parameter narrows the stream to one entity.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	entityName := r.URL.Query().Get("entityName")
	// subscribe before the handshake completes so nothing published after
	// the client is connected is missed
	diffs, cancel := h.Subscribe(entityName)
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("broadcast upgrade error: %v", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case diff, ok := <-diffs:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber fell behind"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(diff); err != nil {
				log.Printf("broadcast write error entity=%s: %v", entityName, err)
				return
			}
		case <-closed:
			return
		}
	}
}
