package gateway

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var errSendBufferFull = errors.New("send buffer full")

// wsClient adapts a WebSocket connection to Sender. Frames are queued on a
// bounded channel and written by a single writer goroutine.
type wsClient struct {
	id           string
	conn         *websocket.Conn
	send         chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       zerolog.Logger

	mu          sync.Mutex
	closeCode   int
	closeReason string
}

func newWSClient(id string, conn *websocket.Conn, cfg Config, logger zerolog.Logger) *wsClient {
	return &wsClient{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, cfg.SendBuffer),
		closed:       make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		logger:       logger.With().Str("client_id", id).Logger(),
	}
}

// Send queues frame without blocking.
func (c *wsClient) Send(frame []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionGone
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close asks the writer to send a close frame and drop the connection.
func (c *wsClient) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode, c.closeReason = code, reason
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *wsClient) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// writePump owns all writes to the connection. onExit runs once it stops.
func (c *wsClient) writePump(onExit func()) {
	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer onExit()
	defer c.conn.Close()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.logger.Debug().Err(err).Msg("Write failed, closing client.")
				c.Close(CloseCodeSendFailed, "write failed")
				return
			}
		case <-ping:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("Ping failed, closing client.")
				c.Close(CloseCodeSendFailed, "ping failed")
				return
			}
		case <-c.closed:
			c.flush()
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}
	}
}

// flush writes frames that were queued before Close.
func (c *wsClient) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ServeHTTP upgrades the request and serves the client until it goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.accepting.Load() {
		http.Error(w, "gateway is not accepting connections", http.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed.")
		return
	}

	id := "client_" + uuid.NewString()
	client := newWSClient(id, conn, g.cfg, g.logger)
	go client.writePump(func() { g.dropClient(id) })

	var connErr error
	if err := g.loop.Call(g.runCtx, func() {
		_, connErr = g.conns.Connect(id, client, time.Now())
	}); err != nil {
		client.Close(CloseCodeShutdown, "Gateway shutting down")
		return
	}
	if connErr != nil {
		return
	}

	g.readPump(client)
	g.dropClient(id)
	client.Close(websocket.CloseNormalClosure, "")
}

// readPump reads control frames until the connection fails.
func (g *Gateway) readPump(c *wsClient) {
	c.conn.SetReadLimit(g.cfg.MaxFrameBytes)
	if c.pingInterval > 0 {
		pongWait := 2 * c.pingInterval
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("Client read failed.")
			}
			return
		}
		if c.pingInterval > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		}
		g.HandleControl(g.runCtx, c.id, data)
	}
}

func (g *Gateway) dropClient(id string) {
	_ = g.loop.Submit(g.runCtx, func() { g.conns.Disconnect(id) })
}
