package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"

	"elero-go-home/internal/automation"
	"elero-go-home/internal/coordinator"
	"elero-go-home/internal/stick"
)

// Backend is the coordinator surface the web server needs.
// *coordinator.Coordinator implements it.
type Backend interface {
	Channels() []coordinator.ChannelInfo
	Channel(id int) (coordinator.ChannelInfo, bool)
	Groups() []coordinator.GroupInfo
	Group(name string) (coordinator.GroupInfo, bool)
	StickInfo() coordinator.StickInfo
	Events() *coordinator.EventBus
	SendCommand(id int, cmd stick.CommandType) error
	SendTimed(id int, cmd stick.CommandType, d time.Duration) error
	SetPosition(id int, percent int) error
	GroupCommand(name string, cmd stick.CommandType) error
	GroupSetPosition(name string, percent int) error
	Refresh(ids ...int) error
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets the origins allowed for CORS, mutating requests
// and WebSocket upgrades.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// Server is the HTTP API.
type Server struct {
	backend        Backend
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	handler        http.Handler
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	metrics        http.Handler
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the web server and starts broadcasting bus events to
// WebSocket clients.
func NewServer(backend Backend, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		backend: backend,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = backend.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()

	s.handler = http.HandlerFunc(s.serve)
	if len(s.allowedOrigins) > 0 {
		s.handler = cors.New(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodDelete,
				http.MethodOptions,
			},
			AllowedHeaders: []string{"Content-Type", "X-API-Key"},
			MaxAge:         3600,
		}).Handler(s.handler)
	}
	return s
}

// Stop shuts down the WebSocket hub and waits for it.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/channels", s.handleAPIListChannels)
	s.mux.HandleFunc("GET /api/channels/{id}", s.handleAPIGetChannel)
	s.mux.HandleFunc("POST /api/channels/{id}/command", s.handleAPIChannelCommand)
	s.mux.HandleFunc("POST /api/channels/refresh", s.handleAPIRefresh)
	s.mux.HandleFunc("GET /api/groups", s.handleAPIListGroups)
	s.mux.HandleFunc("GET /api/groups/{name}", s.handleAPIGetGroup)
	s.mux.HandleFunc("POST /api/groups/{name}/command", s.handleAPIGroupCommand)
	s.mux.HandleFunc("GET /api/stick", s.handleAPIStick)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// serve rejects cross-origin writes from unknown origins and checks the API
// key before routing.
func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 && r.Method != http.MethodGet {
		if origin := r.Header.Get("Origin"); origin != "" && !s.isOriginAllowed(origin) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	// Browsers cannot send custom headers on a WebSocket upgrade, so only
	// /api/ is key-protected.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
