package httpapi

import (
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/aqua-ct/server/internal/logger"
)

// Broadcaster pushes every freshly built report to connected dashboard
// clients over /aquaserver/report/ws, sparing them the 5s HTTP poll
// latency. Test delivery itself stays HTTP-poll-only per spec scope; this
// only mirrors the read-only report.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*websocket.Conn
	log     logger.Logger
}

// NewBroadcaster builds an empty Broadcaster.
func NewBroadcaster(log logger.Logger) *Broadcaster {
	return &Broadcaster{clients: make(map[string]*websocket.Conn), log: log}
}

// Register mounts the upgrade-gated websocket route on app.
func (b *Broadcaster) Register(app *fiber.App) {
	app.Use("/aquaserver/report/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/aquaserver/report/ws", websocket.New(b.handle))
}

func (b *Broadcaster) handle(conn *websocket.Conn) {
	id := uuid.New().String()

	b.mu.Lock()
	b.clients[id] = conn
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, id)
		b.mu.Unlock()
		conn.Close()
	}()

	// Block on reads purely to detect client disconnects; this channel
	// receives no meaningful messages from dashboard clients.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes reportJSON to every connected client, dropping any that
// error (their read loop will notice the close and unregister).
func (b *Broadcaster) Broadcast(reportJSON string) {
	b.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for _, conn := range b.clients {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(reportJSON)); err != nil {
			b.log.Warn("websocket broadcast failed", logger.Error(err))
		}
	}
}
