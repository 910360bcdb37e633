// Package events fans scheduler progress out to websocket clients.
package events

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SirClappington/stockq/internal/domain"
)

const (
	TypeEntry          = "entry"
	TypeBatchStarted   = "batch_started"
	TypeBatchProgress  = "batch_progress"
	TypeBatchPaused    = "batch_paused"
	TypeBatchCompleted = "batch_completed"
	TypeBatchCancelled = "batch_cancelled"
	TypeBatchFailed    = "batch_failed"
	TypeQueueCleared   = "queue_cleared"
)

// Event is one progress notification.
type Event struct {
	Type    string                   `json:"type"`
	BatchID string                   `json:"batch_id,omitempty"`
	Offset  int                      `json:"offset,omitempty"`
	Total   int                      `json:"total,omitempty"`
	Tally   *domain.ProcessingResult `json:"tally,omitempty"`
	Entry   *domain.Entry            `json:"entry,omitempty"`
	Count   int                      `json:"count,omitempty"`
	Error   string                   `json:"error,omitempty"`
	At      time.Time                `json:"at"`
}

// Publisher receives events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

const (
	clientBuffer = 32
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingEvery    = pongWait * 9 / 10
)

// Hub manages websocket subscribers.
type Hub struct {
	log        *zap.Logger
	upgrader   websocket.Upgrader
	clients    map[chan Event]bool
	broadcast  chan Event
	register   chan chan Event
	unregister chan chan Event
	done       chan struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[chan Event]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
		done:       make(chan struct{}),
	}
}

// Run serves subscriptions until ctx is done. Slow clients are dropped.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			close(c)
			delete(h.clients, c)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c)
			}
		case ev := <-h.broadcast:
			for c := range h.clients {
				select {
				case c <- ev:
				default:
					delete(h.clients, c)
					close(c)
				}
			}
		}
	}
}

// Publish never blocks; events are dropped when the hub is backed up.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case h.broadcast <- ev:
	default:
		h.log.Debug("event dropped", zap.String("type", ev.Type))
	}
}

// Subscribe registers a client channel. The channel is closed when the
// client is dropped or the hub stops; cancel releases it early.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Event, func()) {
	c := make(chan Event, clientBuffer)
	select {
	case h.register <- c:
	case <-ctx.Done():
		close(c)
		return c, func() {}
	case <-h.done:
		close(c)
		return c, func() {}
	}
	return c, func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}
}

// ServeHTTP upgrades to a websocket and streams events as JSON text frames.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, unsubscribe := h.Subscribe(ctx)
	defer unsubscribe()

	go h.readPump(conn, cancel)

	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and cancels once the peer goes away.
func (h *Hub) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read", zap.Error(err))
			}
			return
		}
	}
}
