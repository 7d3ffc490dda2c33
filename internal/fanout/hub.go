// Package fanout maintains subscriber sessions and delivers schema
// change/discovery events to the sessions subscribed to a connection's
// "room" (spec.md §4.11).
package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/rs/zerolog"
)

// Topic names a fan-out event channel (spec.md §4.11).
type Topic string

const (
	TopicSchemaChange     Topic = "schema:change"
	TopicSchemaDiscovered Topic = "schema:discovered"
	TopicCacheInvalidated Topic = "schema:cache_invalidated"
	TopicServerShutdown   Topic = "server:shutdown"
)

// Event is the envelope delivered to a subscribed session.
type Event struct {
	Topic   Topic       `json:"topic"`
	Payload interface{} `json:"payload"`
}

// session is one connected subscriber (typically a browser WebSocket
// client). Grounded on the teacher's agent.Connection shape, generalized
// from a platform-agent transport to a browser session.
type session struct {
	id     uuid.UUID
	ws     *websocket.Conn
	sendCh chan []byte
	done   chan struct{}

	mu   sync.Mutex
	subs map[string]time.Time // connection_id -> subscribed_at
}

// Hub is the subscriber session registry and bidirectional
// session<->connection index spec.md §4.11 describes.
type Hub struct {
	mu           sync.RWMutex
	sessions     map[uuid.UUID]*session
	byConnection map[string]map[uuid.UUID]bool

	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// New creates an empty Hub.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		sessions:     make(map[uuid.UUID]*session),
		byConnection: make(map[string]map[uuid.UUID]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeWS upgrades an inbound HTTP request to a WebSocket session and
// runs its read/write pumps until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := &session{
		id:     uuid.New(),
		ws:     ws,
		sendCh: make(chan []byte, 256),
		done:   make(chan struct{}),
		subs:   make(map[string]time.Time),
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	h.logger.Info().Str("session_id", s.id.String()).Msg("fan-out session connected")

	go h.writePump(s)
	h.readPump(s)
}

func (h *Hub) readPump(s *session) {
	defer h.disconnect(s.id)

	s.ws.SetReadLimit(64 * 1024)
	s.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("session_id", s.id.String()).Msg("websocket read error")
			}
			return
		}
		h.handleClientMessage(s, data)
	}
}

func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()

	for {
		select {
		case data, ok := <-s.sendCh:
			s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				s.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// clientCommand is the inbound shape a session sends to (un)subscribe.
type clientCommand struct {
	Action       string `json:"action"`
	ConnectionID string `json:"connection_id"`
}

func (h *Hub) handleClientMessage(s *session, data []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return
	}
	switch cmd.Action {
	case "subscribe":
		h.Subscribe(s.id, cmd.ConnectionID)
	case "unsubscribe":
		h.Unsubscribe(s.id, cmd.ConnectionID)
	}
}

// Subscribe adds connectionID to session sessionID's subscription set.
func (h *Hub) Subscribe(sessionID uuid.UUID, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return
	}
	s.mu.Lock()
	s.subs[connectionID] = time.Now()
	s.mu.Unlock()

	if h.byConnection[connectionID] == nil {
		h.byConnection[connectionID] = make(map[uuid.UUID]bool)
	}
	h.byConnection[connectionID][sessionID] = true
}

// Unsubscribe removes connectionID from session sessionID's subscription
// set.
func (h *Hub) Unsubscribe(sessionID uuid.UUID, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.sessions[sessionID]; ok {
		s.mu.Lock()
		delete(s.subs, connectionID)
		s.mu.Unlock()
	}
	if subs, ok := h.byConnection[connectionID]; ok {
		delete(subs, sessionID)
		if len(subs) == 0 {
			delete(h.byConnection, connectionID)
		}
	}
}

// Subscriptions returns a session's current subscriptions, for the
// monitoring surface.
func (h *Hub) Subscriptions(sessionID uuid.UUID) []domain.Subscription {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Subscription, 0, len(s.subs))
	for connID, at := range s.subs {
		out = append(out, domain.Subscription{Session: sessionID.String(), ConnectionID: connID, SubscribedAt: at})
	}
	return out
}

func (h *Hub) disconnect(sessionID uuid.UUID) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, sessionID)

	s.mu.Lock()
	for connID := range s.subs {
		if subs, ok := h.byConnection[connID]; ok {
			delete(subs, sessionID)
			if len(subs) == 0 {
				delete(h.byConnection, connID)
			}
		}
	}
	s.mu.Unlock()
	h.mu.Unlock()

	close(s.done)
	h.logger.Info().Str("session_id", sessionID.String()).Msg("fan-out session disconnected")
}

// publishToRoom delivers an event to every session subscribed to
// connectionID. Delivery is best-effort: a session whose send buffer is
// full is dropped from that one message rather than blocking the
// publisher (spec.md §4.11 "delivery to a dead session is dropped
// silently").
func (h *Hub) publishToRoom(connectionID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", string(event.Topic)).Msg("failed to marshal fan-out event")
		return
	}

	h.mu.RLock()
	sessionIDs := make([]uuid.UUID, 0, len(h.byConnection[connectionID]))
	for id := range h.byConnection[connectionID] {
		sessionIDs = append(sessionIDs, id)
	}
	h.mu.RUnlock()

	for _, id := range sessionIDs {
		h.mu.RLock()
		s := h.sessions[id]
		h.mu.RUnlock()
		if s == nil {
			continue
		}
		select {
		case s.sendCh <- data:
		default:
			h.logger.Warn().Str("session_id", id.String()).Str("connection_id", connectionID).Msg("fan-out send buffer full, dropping message")
		}
	}
}

// PublishSchemaChange delivers a SchemaChange to connectionID's room.
// Satisfies internal/changedetect.Publisher.
func (h *Hub) PublishSchemaChange(change domain.SchemaChange) {
	h.publishToRoom(change.ConnectionID, Event{Topic: TopicSchemaChange, Payload: change})
}

// PublishDiscovered delivers a discovery summary to connectionID's room.
func (h *Hub) PublishDiscovered(connectionID string, summary domain.DiscoverySummary) {
	h.publishToRoom(connectionID, Event{Topic: TopicSchemaDiscovered, Payload: summary})
}

// PublishCacheInvalidated notifies connectionID's room that its cached
// schema was invalidated.
func (h *Hub) PublishCacheInvalidated(connectionID string) {
	h.publishToRoom(connectionID, Event{Topic: TopicCacheInvalidated, Payload: map[string]string{"connection_id": connectionID}})
}

// BroadcastShutdown queues a server:shutdown event on every connected
// session without blocking; a session whose send buffer is full misses it.
// Sessions and their send channels are left open.
func (h *Hub) BroadcastShutdown() {
	data, _ := json.Marshal(Event{Topic: TopicServerShutdown, Payload: nil})

	h.mu.RLock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		select {
		case s.sendCh <- data:
		default:
		}
	}
}

// SessionCount returns the number of connected sessions, for monitoring.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
