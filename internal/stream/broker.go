// Package stream fans host-state change events out to subscriber
// websockets (mobile and dashboard clients). Subscribers are read-only;
// inbound frames are drained and ignored.
package stream

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kaonis/woly-server/internal/bus"
	"github.com/kaonis/woly-server/internal/config"
	"github.com/kaonis/woly-server/internal/wsguard"
)

const (
	writeWait = 10 * time.Second

	// Subscriber queues are shallow; a stalled client is cut rather
	// than buffered.
	clientQueueDepth = 32

	// Inbound frames carry nothing; anything larger is abuse.
	readLimit = 1024
)

// Stats is the broker's counters snapshot.
type Stats struct {
	ActiveClients    int              `json:"activeClients"`
	TotalConnections int64            `json:"totalConnections"`
	TotalDisconnects int64            `json:"totalDisconnects"`
	TotalErrors      int64            `json:"totalErrors"`
	CloseCodes       map[int]int64    `json:"closeCodes"`
	CloseReasons     map[string]int64 `json:"closeReasons"`
	Events           EventStats       `json:"events"`
}

// EventStats counts broadcast outcomes.
type EventStats struct {
	Broadcast            int64 `json:"broadcast"`
	DroppedNoSubscribers int64 `json:"droppedNoSubscribers"`
	SendFailures         int64 `json:"sendFailures"`
}

// Broker owns the subscriber connection set and relays mutating bus
// events to it. Each event is serialized once per broadcast; each
// connection's writes are serialized by its write pump.
type Broker struct {
	log      zerolog.Logger
	cfg      *config.Config
	auth     AuthFunc
	upgrader websocket.Upgrader
	ipConns  *wsguard.IPCounter

	unsubscribe func()

	mu      sync.Mutex
	clients map[*client]struct{}

	totalConnections int64
	totalDisconnects int64
	totalErrors      int64
	closeCodes       map[int]int64
	closeReasons     map[string]int64
	events           EventStats

	closed bool
}

// New creates a broker and attaches it to the bus.
func New(log zerolog.Logger, cfg *config.Config, b *bus.Bus, auth AuthFunc) *Broker {
	br := &Broker{
		log:          log.With().Str("component", "stream").Logger(),
		cfg:          cfg,
		auth:         auth,
		ipConns:      wsguard.NewIPCounter(cfg.WsMaxConnectionsPerIP),
		clients:      make(map[*client]struct{}),
		closeCodes:   make(map[int]int64),
		closeReasons: make(map[string]int64),
	}
	br.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true }, // CORS is enforced at the HTTP layer
	}
	br.unsubscribe = b.Subscribe(bus.SubscriberFunc(br.onEvent))
	return br
}

type client struct {
	ws   *websocket.Conn
	ip   string
	auth *AuthContext
	send chan []byte
	done chan struct{}
}

// HandleUpgrade is the HTTP handler for the subscriber stream path.
// Authentication and the role check run before the handshake.
func (b *Broker) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		http.Error(w, "Shutting Down", http.StatusServiceUnavailable)
		return
	}

	auth, err := b.auth(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !auth.Authorized() {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	ip := wsguard.ClientIP(r, b.cfg.TrustProxy)
	if !b.ipConns.TryAcquire(ip) {
		b.log.Warn().Str("ip", ip).Msg("subscriber per-IP cap reached")
		http.Error(w, "Too Many Connections", http.StatusTooManyRequests)
		return
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.ipConns.Release(ip)
		b.log.Error().Err(err).Msg("subscriber upgrade failed")
		return
	}

	c := &client{
		ws:   ws,
		ip:   ip,
		auth: auth,
		send: make(chan []byte, clientQueueDepth),
		done: make(chan struct{}),
	}

	greeting, _ := bus.Event{
		Type:      "connected",
		Timestamp: time.Now(),
	}.MarshalStream()
	c.send <- greeting

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.totalConnections++
	active := len(b.clients)
	b.mu.Unlock()

	b.log.Info().Str("subject", auth.Subject).Str("ip", ip).Int("active", active).
		Msg("subscriber connected")

	go c.writePump()
	go b.readPump(c)
}

// onEvent relays one bus event to every subscriber. Non-mutating events
// are not streamed.
func (b *Broker) onEvent(e bus.Event) {
	if !bus.Mutating(e.Type) {
		return
	}

	data, err := e.MarshalStream()
	if err != nil {
		b.mu.Lock()
		b.totalErrors++
		b.mu.Unlock()
		b.log.Error().Err(err).Str("event", e.Type).Msg("event serialization failed")
		return
	}

	b.mu.Lock()
	if len(b.clients) == 0 {
		b.events.DroppedNoSubscribers++
		b.mu.Unlock()
		return
	}
	b.events.Broadcast++
	targets := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		case <-c.done:
		default:
			// Queue full: the client cannot keep up.
			b.mu.Lock()
			b.events.SendFailures++
			b.mu.Unlock()
			b.closeClient(c, websocket.CloseInternalServerErr, "backpressure")
		}
	}
}

func (c *client) writePump() {
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

// readPump exists to surface the close handshake; subscriber frames are
// discarded.
func (b *Broker) readPump(c *client) {
	defer b.detach(c)

	c.ws.SetReadLimit(readLimit)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			b.recordClose(err)
			return
		}
	}
}

func (b *Broker) recordClose(err error) {
	var closeErr *websocket.CloseError
	code := websocket.CloseAbnormalClosure
	reason := "abnormal"
	if ok := asCloseError(err, &closeErr); ok {
		code = closeErr.Code
		if closeErr.Text != "" {
			reason = closeErr.Text
		} else {
			reason = "client-close"
		}
	}
	b.mu.Lock()
	b.closeCodes[code]++
	b.closeReasons[reason]++
	b.mu.Unlock()
}

func asCloseError(err error, target **websocket.CloseError) bool {
	if ce, ok := err.(*websocket.CloseError); ok {
		*target = ce
		return true
	}
	return false
}

// closeClient sends a close frame and tears the client down.
func (b *Broker) closeClient(c *client, code int, reason string) {
	select {
	case <-c.done:
		return
	default:
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.ws.Close()
}

// detach runs once per closed client.
func (b *Broker) detach(c *client) {
	close(c.done)
	_ = c.ws.Close()

	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		b.totalDisconnects++
	}
	b.mu.Unlock()

	b.ipConns.Release(c.ip)
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		ActiveClients:    len(b.clients),
		TotalConnections: b.totalConnections,
		TotalDisconnects: b.totalDisconnects,
		TotalErrors:      b.totalErrors,
		CloseCodes:       make(map[int]int64, len(b.closeCodes)),
		CloseReasons:     make(map[string]int64, len(b.closeReasons)),
		Events:           b.events,
	}
	for k, v := range b.closeCodes {
		s.CloseCodes[k] = v
	}
	for k, v := range b.closeReasons {
		s.CloseReasons[k] = v
	}
	return s
}

// Shutdown detaches from the bus and closes every subscriber with a
// normal close.
func (b *Broker) Shutdown() {
	b.unsubscribe()

	b.mu.Lock()
	b.closed = true
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		b.closeClient(c, websocket.CloseNormalClosure, "Server shutdown")
	}
}
