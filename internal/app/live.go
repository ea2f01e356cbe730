package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"lyricsync/internal/auth"
	"lyricsync/internal/rbac"
	"lyricsync/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub serves the per-session websocket channel. Every socket receives every
// event published for its session; presence is tracked per writer so a
// writer with two open sockets joins once and leaves once.
type Hub struct {
	service  *Service
	upgrader websocket.Upgrader

	mu      sync.Mutex
	sockets map[string]map[string]int
}

func NewHub(service *Service, corsOrigin string) *Hub {
	h := &Hub{
		service: service,
		sockets: make(map[string]map[string]int),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return corsOrigin == "*" || origin == "" || origin == corsOrigin
		},
	}
	return h
}

// ServeHTTP authenticates with a bearer header or a token query parameter,
// since browsers cannot set headers on a websocket handshake.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	p, err := h.service.PrincipalFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		writeServiceError(w, err)
		return
	}
	if err := authorize(p, rbac.ActionRead); err != nil {
		writeServiceError(w, err)
		return
	}
	sessionID := mux.Vars(r)["id"]
	if _, err := h.service.store.GetSession(r.Context(), sessionID); err != nil {
		writeServiceError(w, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, unsubscribe, err := h.service.bus.Subscribe(ctx, sessionID)
	if err != nil {
		log.Printf("live: subscribe %s: %v", sessionID, err)
		writeError(w, http.StatusServiceUnavailable, "LIVE_UNAVAILABLE", "Live channel unavailable", nil)
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("live: upgrade %s: %v", sessionID, err)
		return
	}
	defer conn.Close()

	sock := &socket{hub: h, conn: conn, sessionID: sessionID, principal: p, out: make(chan wire.Event, 16)}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sock.writeLoop(ctx, events)
		cancel()
		_ = conn.Close()
	}()

	sock.readLoop(ctx)
	cancel()
	<-writerDone
	if sock.joined {
		sock.leave()
	}
}

type socket struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	principal Principal
	out       chan wire.Event
	joined    bool
}

func (s *socket) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(64 << 10)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var ev wire.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("live: read %s/%s: %v", s.sessionID, s.principal.WriterID, err)
			}
			return
		}
		switch ev.Type {
		case wire.EventJoin:
			if !s.joined {
				s.joined = true
				s.join(ctx)
			}
		case wire.EventTyping, wire.EventStoppedTyping:
			if !s.joined {
				continue
			}
			s.typing(ctx, ev.Type == wire.EventTyping)
		case wire.EventLeave:
			return
		default:
			log.Printf("live: ignoring %q from %s", ev.Type, s.principal.WriterID)
		}
	}
}

func (s *socket) writeLoop(ctx context.Context, events <-chan wire.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		var ev wire.Event
		select {
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		case next, ok := <-events:
			if !ok {
				return
			}
			ev = next
		case ev = <-s.out:
		}
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteJSON(ev); err != nil {
			log.Printf("live: write %s/%s: %v", s.sessionID, s.principal.WriterID, err)
			return
		}
	}
}

func (s *socket) send(ctx context.Context, ev wire.Event) {
	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}

func (s *socket) join(ctx context.Context) {
	presence := s.hub.service.presence
	if err := presence.Join(ctx, s.sessionID, s.principal.WriterID); err != nil {
		log.Printf("live: join %s/%s: %v", s.sessionID, s.principal.WriterID, err)
	}
	if s.hub.attach(s.sessionID, s.principal.WriterID) {
		s.hub.service.publish(ctx, wire.Event{Type: wire.EventWriterJoined, SessionID: s.sessionID, WriterID: s.principal.WriterID})
	}
	writers, typing, err := presence.Snapshot(ctx, s.sessionID)
	if err != nil {
		log.Printf("live: presence snapshot %s: %v", s.sessionID, err)
		return
	}
	s.send(ctx, wire.Event{Type: wire.EventPresence, SessionID: s.sessionID, Writers: writers, Typing: typing, At: time.Now().UTC()})
}

func (s *socket) typing(ctx context.Context, typing bool) {
	if err := s.hub.service.presence.SetTyping(ctx, s.sessionID, s.principal.WriterID, typing); err != nil {
		log.Printf("live: typing %s/%s: %v", s.sessionID, s.principal.WriterID, err)
	}
	eventType := wire.EventStoppedTyping
	if typing {
		eventType = wire.EventTyping
	}
	s.hub.service.publish(ctx, wire.Event{Type: eventType, SessionID: s.sessionID, WriterID: s.principal.WriterID})
}

// leave runs after the request context is gone, so it uses its own.
func (s *socket) leave() {
	if !s.hub.detach(s.sessionID, s.principal.WriterID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	presence := s.hub.service.presence
	if err := presence.SetTyping(ctx, s.sessionID, s.principal.WriterID, false); err != nil {
		log.Printf("live: clear typing %s/%s: %v", s.sessionID, s.principal.WriterID, err)
	}
	if err := presence.Leave(ctx, s.sessionID, s.principal.WriterID); err != nil {
		log.Printf("live: leave %s/%s: %v", s.sessionID, s.principal.WriterID, err)
	}
	s.hub.service.publish(ctx, wire.Event{Type: wire.EventWriterLeft, SessionID: s.sessionID, WriterID: s.principal.WriterID})
}

// attach counts a joined socket and reports whether it is the writer's first.
func (h *Hub) attach(sessionID, writerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	writers, ok := h.sockets[sessionID]
	if !ok {
		writers = make(map[string]int)
		h.sockets[sessionID] = writers
	}
	writers[writerID]++
	return writers[writerID] == 1
}

// detach reports whether the writer's last socket just went away.
func (h *Hub) detach(sessionID, writerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	writers := h.sockets[sessionID]
	if writers[writerID] == 0 {
		return false
	}
	writers[writerID]--
	if writers[writerID] > 0 {
		return false
	}
	delete(writers, writerID)
	if len(writers) == 0 {
		delete(h.sockets, sessionID)
	}
	return true
}

// Connected returns how many sockets have joined sessionID.
func (h *Hub) Connected(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, n := range h.sockets[sessionID] {
		total += n
	}
	return total
}
