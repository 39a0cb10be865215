package realtime

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/edoblanco/codesmith/internal/observability"
	"github.com/edoblanco/codesmith/internal/protocol"
)

const (
	sendBuffer    = 256
	maxOutboxSize = 512
)

var ErrTooManyConnections = errors.New("connection rate limit exceeded")

// Config tunes the event channel.
type Config struct {
	// DebounceWindow is how long a non-final taskUpdate may be superseded
	// before it is sent.
	DebounceWindow time.Duration
	// DedupWindow bounds how long inbound and delivered eventIds are
	// remembered per client.
	DedupWindow time.Duration
	// RateWindow/RateLimit cap connection attempts per remote address.
	RateWindow time.Duration
	RateLimit  int
}

type queuedEvent struct {
	eventID string
	payload any
	at      time.Time
}

type client struct {
	id   string
	send chan any
	// delivered holds eventIds already sent to this client, so a flaky
	// reconnect never replays an event.
	delivered map[string]time.Time
	connected bool
}

type pendingUpdate struct {
	msg   protocol.TaskUpdate
	timer *time.Timer
}

// InboundHandler processes a deduplicated client-originated message.
type InboundHandler func(clientID string, msg any)

// Hub is the admission-controlled, deduplicated, queued realtime transport.
// It is process-local by design: queues and dedup state live in memory and
// do not survive a restart or span multiple instances.
type Hub struct {
	mu  sync.Mutex
	cfg Config

	clients  map[string]*client
	outbox   map[string][]queuedEvent
	inbound  map[string]map[string]time.Time
	admitted map[string][]time.Time
	debounce map[string]*pendingUpdate

	onInbound InboundHandler
	metrics   *observability.Metrics
	log       zerolog.Logger
	now       func() time.Time
}

func NewHub(cfg Config, metrics *observability.Metrics, log zerolog.Logger) *Hub {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 250 * time.Millisecond
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	return &Hub{
		cfg:      cfg,
		clients:  make(map[string]*client),
		outbox:   make(map[string][]queuedEvent),
		inbound:  make(map[string]map[string]time.Time),
		admitted: make(map[string][]time.Time),
		debounce: make(map[string]*pendingUpdate),
		metrics:  metrics,
		log:      log.With().Str("component", "realtime").Logger(),
		now:      time.Now,
	}
}

// SetInboundHandler registers the consumer of deduplicated client messages.
func (h *Hub) SetInboundHandler(fn InboundHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onInbound = fn
}

// Admit applies the sliding-window per-address connection limit.
func (h *Hub) Admit(remoteAddr string) error {
	host := remoteAddr
	if i := strings.LastIndexByte(remoteAddr, ':'); i > 0 {
		host = remoteAddr[:i]
	}
	now := h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	times := h.admitted[host]
	live := times[:0]
	for _, at := range times {
		if now.Sub(at) < h.cfg.RateWindow {
			live = append(live, at)
		}
	}
	if len(live) >= h.cfg.RateLimit {
		h.admitted[host] = append([]time.Time(nil), live...)
		return ErrTooManyConnections
	}
	h.admitted[host] = append(append([]time.Time(nil), live...), now)
	return nil
}

// Connect attaches (or re-attaches) a client and returns its outbound
// channel. Queued events from the disconnected period are flushed in order
// before anything new is sent.
func (h *Hub) Connect(clientID string) (<-chan any, func()) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}

	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		c = &client{id: clientID, delivered: make(map[string]time.Time)}
		h.clients[clientID] = c
	}
	// A reconnect replaces the previous connection. Close the stale channel
	// so its writer goroutine exits instead of ranging forever.
	if c.connected && c.send != nil {
		close(c.send)
		if h.metrics != nil {
			h.metrics.ConnectedClients.Dec()
		}
	}
	c.send = make(chan any, sendBuffer)
	c.connected = true

	queued := h.outbox[clientID]
	delete(h.outbox, clientID)
	for _, q := range queued {
		h.deliverLocked(c, q.eventID, q.payload)
	}
	h.updateQueueGaugeLocked()
	if h.metrics != nil {
		h.metrics.ConnectedClients.Inc()
	}
	send := c.send
	h.mu.Unlock()

	disconnect := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		cur, ok := h.clients[clientID]
		if !ok || cur.send != send {
			return
		}
		cur.connected = false
		cur.send = nil
		close(send)
		if h.metrics != nil {
			h.metrics.ConnectedClients.Dec()
		}
	}
	return send, disconnect
}

// PublishTaskUpdate broadcasts a task state. Non-final updates are debounced
// per task (only the latest within the window is sent); final updates cancel
// any pending debounce and go out immediately.
func (h *Hub) PublishTaskUpdate(msg protocol.TaskUpdate, final bool) {
	if msg.EventID == "" {
		msg.EventID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if final {
		if p, ok := h.debounce[msg.TaskID]; ok {
			p.timer.Stop()
			delete(h.debounce, msg.TaskID)
			if h.metrics != nil {
				h.metrics.DroppedEvents.WithLabelValues("debounced").Inc()
			}
		}
		h.broadcastLocked(msg.EventID, msg)
		return
	}

	if p, ok := h.debounce[msg.TaskID]; ok {
		// Supersede the pending update; the running timer sends the latest.
		p.msg = msg
		if h.metrics != nil {
			h.metrics.DroppedEvents.WithLabelValues("debounced").Inc()
		}
		return
	}
	p := &pendingUpdate{msg: msg}
	p.timer = time.AfterFunc(h.cfg.DebounceWindow, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		cur, ok := h.debounce[msg.TaskID]
		if !ok || cur != p {
			return
		}
		delete(h.debounce, msg.TaskID)
		h.broadcastLocked(cur.msg.EventID, cur.msg)
	})
	h.debounce[msg.TaskID] = p
}

// PublishProposal broadcasts a backendProposal immediately.
func (h *Hub) PublishProposal(msg protocol.BackendProposal) {
	if msg.EventID == "" {
		msg.EventID = uuid.NewString()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(msg.EventID, msg)
}

// HandleInbound deduplicates and dispatches a client-originated message.
// It returns false when the message was a duplicate within the window.
func (h *Hub) HandleInbound(clientID string, msg any) bool {
	eventID, _ := protocol.EventIDOf(msg)
	if eventID == "" {
		eventID = uuid.NewString()
	}
	now := h.now()

	h.mu.Lock()
	seen := h.inbound[clientID]
	if seen == nil {
		seen = make(map[string]time.Time)
		h.inbound[clientID] = seen
	}
	for id, at := range seen {
		if now.Sub(at) >= h.cfg.DedupWindow {
			delete(seen, id)
		}
	}
	if _, dup := seen[eventID]; dup {
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.DroppedEvents.WithLabelValues("duplicate").Inc()
		}
		return false
	}
	seen[eventID] = now
	handler := h.onInbound
	h.mu.Unlock()

	if handler != nil {
		handler(clientID, msg)
	}
	return true
}

// Connected reports whether a client currently has a live send channel.
func (h *Hub) Connected(clientID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[clientID]
	return ok && c.connected
}

// QueuedFor reports how many events are waiting for a disconnected client.
func (h *Hub) QueuedFor(clientID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.outbox[clientID])
}

func (h *Hub) broadcastLocked(eventID string, payload any) {
	if len(h.clients) == 0 {
		return
	}
	for _, c := range h.clients {
		h.deliverLocked(c, eventID, payload)
	}
	h.updateQueueGaugeLocked()
}

// deliverLocked sends to a connected client or queues for a disconnected
// one, enforcing at-most-once per eventId per client.
func (h *Hub) deliverLocked(c *client, eventID string, payload any) {
	now := h.now()
	for id, at := range c.delivered {
		if now.Sub(at) >= h.cfg.DedupWindow {
			delete(c.delivered, id)
		}
	}
	if _, done := c.delivered[eventID]; done {
		if h.metrics != nil {
			h.metrics.DroppedEvents.WithLabelValues("duplicate").Inc()
		}
		return
	}

	if c.connected && c.send != nil {
		// Preserve order: anything already queued goes out first.
		h.drainOutboxLocked(c)
		if len(h.outbox[c.id]) == 0 {
			select {
			case c.send <- payload:
				c.delivered[eventID] = now
				return
			default:
				// Writer is saturated; fall through to the outbox so
				// the event survives until the client drains.
			}
		}
	}

	queue := h.outbox[c.id]
	if len(queue) >= maxOutboxSize {
		queue = queue[1:]
		if h.metrics != nil {
			h.metrics.DroppedEvents.WithLabelValues("queue_full").Inc()
		}
	}
	h.outbox[c.id] = append(queue, queuedEvent{eventID: eventID, payload: payload, at: now})
}

func (h *Hub) drainOutboxLocked(c *client) {
	queue := h.outbox[c.id]
	for len(queue) > 0 {
		q := queue[0]
		if _, done := c.delivered[q.eventID]; done {
			queue = queue[1:]
			continue
		}
		select {
		case c.send <- q.payload:
			c.delivered[q.eventID] = h.now()
			queue = queue[1:]
		default:
			h.outbox[c.id] = queue
			return
		}
	}
	delete(h.outbox, c.id)
}

func (h *Hub) updateQueueGaugeLocked() {
	if h.metrics == nil {
		return
	}
	total := 0
	for _, q := range h.outbox {
		total += len(q)
	}
	h.metrics.QueuedEvents.Set(float64(total))
}
