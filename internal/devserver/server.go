package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/apilink/internal/infrastructure/config"
	"github.com/nerrad567/apilink/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// eventHistorySize is the number of stream events kept for Last-Event-ID
// replay.
const eventHistorySize = 256

// Deps holds the dependencies required by the development server.
type Deps struct {
	Config config.DevServerConfig
	Logger *logging.Logger
	// Store is optional. When nil a new Store is seeded from Config.Seed.
	Store   *Store
	Version string
}

// Server is an HTTP backend for exercising collections locally. It serves
// an in-memory resource API plus WebSocket and event stream endpoints that
// speak the rtc wire format.
type Server struct {
	cfg     config.DevServerConfig
	logger  *logging.Logger
	store   *Store
	version string
	hub     *Hub
	events  *eventStream
	handler http.Handler

	server    *http.Server
	listener  net.Listener
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New creates a development server. It is not listening until Start is
// called; Handler can be mounted directly in tests.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	store := deps.Store
	if store == nil {
		store = NewStore()
		for _, name := range slices.Sorted(maps.Keys(deps.Config.Seed)) {
			if err := store.Seed(name, deps.Config.Seed[name]); err != nil {
				return nil, err
			}
		}
	}

	s := &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		store:   store,
		version: deps.Version,
		events:  newEventStream(eventHistorySize),
	}
	s.hub = NewHub(deps.Config.WebSocket, deps.Logger)
	s.hub.publish = s.fanout
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the server's routes with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Store returns the backing resource store.
func (s *Server) Store() *Store {
	return s.store
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured host and port and serves in the
// background. Port 0 selects a free port; see Addr.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("development server error", "error", err)
		}
	}()

	s.logger.Info("development server started",
		"address", ln.Addr().String(),
		"resources", s.store.Resources(),
		"auth", s.cfg.AuthSecret != "",
	)
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL returns the base URL of a started server.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return "http://" + s.Addr()
}

// Broadcast pushes message to every WebSocket subscriber of channel and to
// every event stream client.
func (s *Server) Broadcast(channel string, message any) error {
	if channel == "" {
		return fmt.Errorf("channel is required")
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encoding broadcast message: %w", err)
	}
	s.fanout(channel, raw)
	return nil
}

// outboundFrame is the frame delivered to subscribers.
type outboundFrame struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

func (s *Server) fanout(channel string, message json.RawMessage) {
	frame, err := json.Marshal(outboundFrame{Channel: channel, Message: message})
	if err != nil {
		s.logger.Error("failed to encode frame", "channel", channel, "error", err)
		return
	}
	s.hub.Broadcast(channel, frame)
	s.events.publish(frame)
}

// Close stops accepting connections, ends event streams, disconnects
// WebSocket clients and waits up to 10 seconds for in-flight requests.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.events.close()
		s.hub.closeAll()
	})
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("development server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down development server: %w", err)
	}
	return nil
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"resources": s.store.Resources(),
		"clients":   s.hub.ClientCount(),
		"streams":   s.events.count(),
	})
}
