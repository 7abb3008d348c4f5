package nodegate

import (
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/kaonis/woly-server/internal/protocol"
)

// Time allowed to write a message to the peer.
const writeWait = 10 * time.Second

// conn is one node channel. The write half is exclusively owned by its
// write pump; the read pump is the only reader.
type conn struct {
	m    *Manager
	ws   *websocket.Conn
	ip   string
	auth *AuthContext

	// Set during registration.
	nodeID   string
	location string

	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	registered bool
}

func newConn(m *Manager, ws *websocket.Conn, ip string, auth *AuthContext) *conn {
	limit := rate.Limit(m.cfg.WsMessageRateLimitPerSec)
	burst := m.cfg.WsMessageRateLimitPerSec
	if burst < 1 {
		limit = rate.Inf
		burst = 1
	}
	return &conn{
		m:       m,
		ws:      ws,
		ip:      ip,
		auth:    auth,
		send:    make(chan []byte, sendQueueDepth),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// enqueue hands a frame to the write pump without blocking. Returns
// false when the queue is full.
func (c *conn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// closeWith sends a close frame and tears the connection down. Safe to
// call more than once.
func (c *conn) closeWith(code int, reason string) {
	select {
	case <-c.done:
		return
	default:
	}

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.ws.Close()
}

func (c *conn) readPump() {
	defer func() {
		close(c.done)
		_ = c.ws.Close()
		c.m.unregister(c)
	}()

	c.ws.SetReadLimit(protocol.MaxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.m.cfg.HeartbeatWindow))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			// An expired read deadline means the heartbeat window was
			// missed; tell the node before dropping the channel.
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				c.m.log.Info().Str("node", c.nodeID).Msg("heartbeat window missed")
				c.closeWith(protocol.CloseHeartbeatTimeout, protocol.ReasonHeartbeatTimeout)
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.m.log.Debug().Err(err).Str("node", c.nodeID).Msg("node channel read error")
			}
			return
		}

		// Rate limit before parse.
		if !c.limiter.Allow() {
			c.m.metrics.RecordInvalidPayload("inbound", "rate-limit")
			c.closeWith(protocol.ClosePolicyViolation, protocol.ReasonPolicyViolation)
			return
		}

		// Missed-heartbeat window resets on any inbound frame.
		_ = c.ws.SetReadDeadline(time.Now().Add(c.m.cfg.HeartbeatWindow))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.m.metrics.RecordInvalidPayload("inbound", "malformed")
			continue
		}

		if err := protocol.Validate(&msg); err != nil {
			c.m.metrics.RecordInvalidPayload("inbound", msg.Type)
			c.m.log.Warn().Str("type", msg.Type).Err(err).Msg("rejected invalid frame")
			if !c.registered {
				c.sendError("invalid-register", err.Error())
				c.closeWith(protocol.ClosePolicyViolation, protocol.ReasonPolicyViolation)
				return
			}
			continue
		}

		if !c.registered {
			if msg.Type != protocol.TypeRegister {
				c.sendError("register-required", "first frame must be register")
				c.closeWith(protocol.ClosePolicyViolation, protocol.ReasonPolicyViolation)
				return
			}
			var p protocol.RegisterPayload
			_ = msg.ParsePayload(&p)
			if err := c.m.register(c, p); err != nil {
				c.m.metrics.RecordInvalidPayload("inbound", protocol.TypeRegister)
				c.sendError("register-rejected", err.Error())
				c.closeWith(protocol.ClosePolicyViolation, protocol.ReasonPolicyViolation)
				return
			}
			c.registered = true
			continue
		}

		if msg.Type == protocol.TypeRegister {
			// Re-registration on a live channel is a protocol violation.
			c.m.metrics.RecordInvalidPayload("inbound", protocol.TypeRegister)
			continue
		}

		c.m.dispatch(c, &msg)
	}
}

func (c *conn) writePump() {
	defer func() { _ = c.ws.Close() }()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// sendError writes a structured error frame directly; used on the
// registration path before the connection is considered live.
func (c *conn) sendError(code, message string) {
	msg, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.TextMessage, data)
}
