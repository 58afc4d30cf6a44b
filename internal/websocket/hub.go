package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/tech-arch1tect/berth-unpack/internal/logging"
)

const (
	eventBuffer  = 256
	clientBuffer = 64
)

// Hub fans job events out to every connected websocket client. Clients
// that cannot keep up are disconnected rather than slowing the others.
type Hub struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader
	events   chan []byte
	stopped  chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hub{
		logger: logger.Named("websocket"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		events:  make(chan []byte, eventBuffer),
		stopped: make(chan struct{}),
		clients: make(map[*client]struct{}),
	}
}

// Run delivers queued events until ctx is done, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("hub stopped")
			return
		case data := <-h.events:
			h.fanout(data)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	close(h.stopped)
	for c := range h.clients {
		delete(h.clients, c)
		close(c.queue)
	}
}

func (h *Hub) fanout(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.queue <- data:
		default:
			h.logger.Warn("client too slow, disconnecting", zap.String("remote", c.remote))
			delete(h.clients, c)
			close(c.queue)
		}
	}
}

func (h *Hub) attach(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("client connected", zap.String("remote", c.remote), zap.Int("clients", len(h.clients)))
	return true
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.queue)
	h.logger.Debug("client disconnected", zap.String("remote", c.remote), zap.Int("clients", len(h.clients)))
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastJobEvent queues a job event for every client. Progress events
// are dropped when the queue is full; status events wait for room.
func (h *Hub) BroadcastJobEvent(event JobEvent) {
	if event.Type == "" {
		event.Type = MessageTypeJobStatus
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode job event", zap.String("job_id", event.JobID), zap.Error(err))
		return
	}

	if event.Type == MessageTypeJobProgress {
		select {
		case h.events <- data:
		default:
			h.logger.Debug("dropping progress event", zap.String("job_id", event.JobID))
		}
		return
	}
	select {
	case h.events <- data:
	case <-h.stopped:
	}
}

// Handle upgrades an authenticated request and streams job events to it
// until either side hangs up.
func (h *Hub) Handle(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}

	cl := newClient(conn, c.RealIP())
	if !h.attach(cl) {
		_ = conn.Close()
		return nil
	}
	go cl.writeLoop(h.logger)
	go func() {
		cl.readLoop()
		h.detach(cl)
	}()
	return nil
}
