package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MembershipSource resolves the communities a user belongs to when a
// connection is opened.
type MembershipSource interface {
	CommunitiesOf(ctx context.Context, userID string) ([]string, error)
}

type ServerOptions struct {
	// AllowedOrigins restricts websocket handshakes by Origin header. Empty
	// allows every origin.
	AllowedOrigins []string
	// Gatherer backs /metrics. Nil falls back to the default registry.
	Gatherer prometheus.Gatherer
}

type Server struct {
	hub      *Hub
	members  MembershipSource
	log      *zap.Logger
	gatherer prometheus.Gatherer
	origins  map[string]struct{}
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, members MembershipSource, opts ServerOptions, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		hub:      hub,
		members:  members,
		log:      log.Named("http"),
		gatherer: opts.Gatherer,
		origins:  make(map[string]struct{}),
	}
	for _, o := range opts.AllowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			s.origins[strings.ToLower(o)] = struct{}{}
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)
	r.Get("/ws/{userID}", s.handleWS)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Websockets are long-lived and must stay outside the request timeout.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.With(bodySizeLimit(maxEventBody)).Post("/events", s.handleEvents)
		r.Get("/channels/{key}/subscribers", s.handleSubscribers)
		r.With(bodySizeLimit(maxEventBody)).Post("/users/{userID}/events", s.handleUserEvents)
		r.Get("/users/{userID}/connections", s.handleConnections)
	})

	return r
}

// maxEventBody bounds POST /events bodies.
const maxEventBody = 1 << 20

func bodySizeLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients behind the gateway.
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	_, ok := s.origins[strings.ToLower(u.Scheme+"://"+u.Host)]
	return ok
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.hub.Degraded() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"service":     "realtime-service",
		"broker":      s.hub.BrokerConnected(),
		"connections": s.hub.Connections(),
		"channels":    s.hub.Channels(),
	})
}

func userFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-Id")); id != "" {
		return id
	}
	if id := chi.URLParam(r, "userID"); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := userFromRequest(r)
	if err := validIdentifier(userID); err != nil {
		http.Error(w, "missing or invalid user id", http.StatusBadRequest)
		return
	}
	if s.hub.Full() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	channels := []ChannelKey{GlobalNotifications}
	if s.members != nil {
		communities, err := s.members.CommunitiesOf(r.Context(), userID)
		if err != nil {
			// Clients can still join communities explicitly.
			s.log.Warn("load memberships", zap.String("user", userID), zap.Error(err))
		}
		for _, id := range communities {
			channels = append(channels, CommunityChannel(id))
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("ws upgrade", zap.Error(err))
		return
	}

	tr := newWSTransport(ws)
	c, err := s.hub.Connect(userID, tr, channels)
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			_ = tr.closeWith(CloseTryAgainLater, "too many connections")
		} else {
			_ = tr.closeWith(websocket.CloseInternalServerErr, "register failed")
		}
		s.log.Warn("reject websocket", zap.String("user", userID), zap.Error(err))
		return
	}

	go readPump(s.hub, c, ws, s.log)
}

type publishRequest struct {
	Channel string          `json:"channel"`
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	key, err := ParseChannel(req.Channel)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ev, err := NewEvent(req.Type, key, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.hub.Publish(r.Context(), key, ev); err != nil {
		s.log.Error("publish", zap.String("channel", key.String()), zap.Error(err))
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if s.hub.Degraded() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"ok": true, "queued": status == http.StatusAccepted})
}

type userEventRequest struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// handleUserEvents delivers an event to the sessions a user holds on this
// instance, bypassing channels.
func (s *Server) handleUserEvents(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	userID := chi.URLParam(r, "userID")
	if err := validIdentifier(userID); err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	var req userEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	ev, err := NewEvent(req.Type, "", req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := s.hub.SendToUser(userID, ev)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "delivered": n})
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	key, err := ParseChannel(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel":     key.String(),
		"subscribers": s.hub.SubscribersCount(key),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ids := s.hub.ConnectionsOf(userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"connections": ids,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
