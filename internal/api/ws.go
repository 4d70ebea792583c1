package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/zoravur/syncbroker/internal/broker"
	"github.com/zoravur/syncbroker/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	sendBuffer     = 256
	maxMessageSize = 1 << 20
)

var (
	errClosed = errors.New("connection closed")
	errSlow   = errors.New("client too slow, send buffer full")
)

// WSHandler serves the broker over websockets, one Connection per socket.
type WSHandler struct {
	broker   *broker.Broker
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(b *broker.Broker, log *zap.Logger, allowedOrigins []string) *WSHandler {
	if log == nil {
		log = zap.L()
	}
	allowed := map[string]bool{}
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &WSHandler{
		broker: b,
		log:    log.Named("ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 || allowed["*"] {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// HandleWS upgrades the request and pumps messages until the socket closes.
// Messages of one connection are dispatched in arrival order.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade error", zap.Error(err))
		return
	}

	id := ulid.Make().String()
	c := &wsClient{
		id:   id,
		conn: conn,
		send: make(chan protocol.Event, sendBuffer),
		done: make(chan struct{}),
		log:  h.log.With(zap.String("conn", id)),
	}
	if _, err := h.broker.Connect(id, c); err != nil {
		h.log.Error("connect", zap.Error(err))
		conn.Close()
		return
	}
	go c.writePump()
	defer func() {
		h.broker.Disconnect(id)
		c.close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := r.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("ws read error", zap.Error(err))
			}
			return
		}
		env, err := protocol.DecodeEnvelope(raw)
		if err != nil {
			c.log.Debug("bad envelope", zap.Error(err))
			_ = c.Emit(protocol.EventFailure, protocol.Failure{Status: 400, Message: "Invalid message."})
			continue
		}
		// Faults are logged by the broker; the connection keeps serving.
		_ = h.broker.Dispatch(ctx, id, env)
	}
}

// wsClient is the outbound half of a socket. Emit never blocks; a client
// that can't keep up is disconnected.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan protocol.Event
	done chan struct{}
	once sync.Once
	log  *zap.Logger
}

func (c *wsClient) Emit(event string, payload any) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- protocol.Event{Type: event, Data: payload}:
		return nil
	default:
		c.log.Warn("dropping slow client")
		c.close()
		return errSlow
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.log.Debug("ws write error", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
