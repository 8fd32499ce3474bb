package service

import (
	"context"
	"sync"
	"time"

	"expflow/internal/buffer"
	"expflow/internal/metrics"
	v1 "expflow/pkg/api/v1"
	"expflow/pkg/constraints"
	"expflow/pkg/logger"

	"go.uber.org/zap"
)

// Client is one stream subscriber. An empty Applications set receives
// every application.
type Client struct {
	Send         chan v1.ChangeEvent
	Applications map[constraints.Application]bool
}

func (c *Client) wants(ev v1.ChangeEvent) bool {
	if ev.Type == v1.EventPing || len(c.Applications) == 0 {
		return true
	}
	return c.Applications[ev.Application]
}

type Hub struct {
	clients    map[*Client]bool
	Broadcast  chan v1.ChangeEvent
	Register   chan *Client
	Unregister chan *Client

	observer  metrics.HubObserver
	heartbeat time.Duration

	mu       sync.Mutex
	revision int64
	history  *buffer.RevisionBuffer[v1.ChangeEvent]
}

func NewHub(observer metrics.HubObserver, heartbeat time.Duration, bufferSize, historySize int) *Hub {
	if observer == nil {
		observer = metrics.Nop{}
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		Broadcast:  make(chan v1.ChangeEvent, bufferSize),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		observer:   observer,
		heartbeat:  heartbeat,
		history: buffer.NewRevisionBuffer(historySize, func(e v1.ChangeEvent) int64 {
			return e.Revision
		}),
	}
}

// Publish stamps ev with the next revision, keeps it for replay and hands
// it to Run. It never blocks; when the hub is backed up the event is only
// available through replay.
func (h *Hub) Publish(ev v1.ChangeEvent) v1.ChangeEvent {
	h.mu.Lock()
	h.revision++
	ev.Revision = h.revision
	if ev.Type == "" {
		ev.Type = v1.EventChange
	}
	h.history.Add(ev)
	h.mu.Unlock()

	select {
	case h.Broadcast <- ev:
	default:
		h.observer.RecordDrop()
		logger.Warn("hub backlog full, event left for replay", zap.Int64("revision", ev.Revision), zap.String("slug", ev.Slug))
	}
	return ev
}

// Revision is the last revision handed out by this process.
func (h *Hub) Revision() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.revision
}

// Since returns the events after lastRev, or false when the client must
// resync from a fresh listing.
func (h *Hub) Since(lastRev int64) ([]v1.ChangeEvent, bool) {
	return h.history.Since(lastRev)
}

func (h *Hub) Run(ctx context.Context) {
	var tick <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.Register:
			h.clients[client] = true
			h.observer.IncOnline()
		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
		case ev := <-h.Broadcast:
			h.fanout(ev)
		case <-tick:
			h.fanout(v1.ChangeEvent{Type: v1.EventPing})
		}
	}
}

func (h *Hub) fanout(ev v1.ChangeEvent) {
	for client := range h.clients {
		if !client.wants(ev) {
			continue
		}
		select {
		case client.Send <- ev:
			if ev.Type != v1.EventPing {
				h.observer.RecordPush()
			}
		default:
			logger.Warn("stream client too slow, disconnecting")
			h.observer.RecordDrop()
			h.drop(client)
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.Send)
	h.observer.DecOnline()
}
