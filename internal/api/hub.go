package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/logger"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 5 * time.Second
	// subscriberQueue is how many events a client may fall behind before
	// new ones are dropped for it.
	subscriberQueue = 16
)

// subscriber is one websocket client. jobID zero receives every job.
// events is closed by Hub.remove while holding the hub lock.
type subscriber struct {
	conn   *websocket.Conn
	jobID  int64
	events chan core.JobEvent
}

func (s *subscriber) send(event core.JobEvent) error {
	err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err != nil {
		return err
	}

	return s.conn.WriteJSON(event)
}

// Hub streams job events to websocket clients.
type Hub struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

var _ core.JobEventPublisher = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// PublishJobEvent queues event for every matching client without waiting on
// the network. A client whose queue is full misses the event.
func (h *Hub) PublishJobEvent(_ context.Context, event core.JobEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if sub.jobID != 0 && sub.jobID != event.JobID {
			continue
		}

		select {
		case sub.events <- event:
		default:
			h.log.Warn("Websocket client is behind, dropping %s event for job %d", event.Status, event.JobID)
		}
	}

	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}

// ServeWS upgrades the request and keeps the client registered until it
// disconnects. An optional ?job= query restricts the stream to one job.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var jobID int64

	if raw := r.URL.Query().Get("job"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid job id", http.StatusBadRequest)

			return
		}

		jobID = parsed
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("Websocket upgrade failed: %v", err)

		return
	}

	sub := &subscriber{conn: conn, jobID: jobID, events: make(chan core.JobEvent, subscriberQueue)}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go h.write(sub)

	for {
		_, _, readErr := conn.ReadMessage()
		if readErr != nil {
			break
		}
	}

	h.remove(sub)
}

// write drains one client's queue until the client is removed.
func (h *Hub) write(sub *subscriber) {
	for event := range sub.events {
		err := sub.send(event)
		if err != nil {
			h.log.Warn("Dropping websocket client: %v", err)
			h.remove(sub)

			return
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	if ok {
		delete(h.subs, sub)
		close(sub.events)
	}
	h.mu.Unlock()

	if ok {
		_ = sub.conn.Close()
	}
}
