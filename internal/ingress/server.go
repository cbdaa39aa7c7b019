package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petrijr/shipit/internal/broadcast"
	"github.com/petrijr/shipit/pkg/api"
)

const (
	DefaultMaxBodyBytes    = 5 << 20
	DefaultShutdownTimeout = 10 * time.Second

	readHeaderTimeout = 10 * time.Second
)

// ServerConfig configures a Server. Zero values select defaults.
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Websocket configures observer connections on /events.
	Websocket broadcast.WebsocketConfig

	// Metrics, when set, is served on /metrics.
	Metrics http.Handler

	Logger *slog.Logger
}

// Server exposes the adapter over HTTP.
type Server struct {
	adapter  *Adapter
	cfg      ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// stopping is closed when shutdown begins so hijacked websocket
	// connections, which http.Server.Shutdown does not track, end too.
	stopping chan struct{}
}

func NewServer(adapter *Adapter, cfg ServerConfig) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Websocket.Logger == nil {
		cfg.Websocket.Logger = cfg.Logger
	}
	return &Server{
		adapter: adapter,
		cfg:     cfg,
		logger:  cfg.Logger,
		upgrader: websocket.Upgrader{
			// Observers are browsers on other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		stopping: make(chan struct{}),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /instances/{workflowID}", s.handleInstance)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
	return mux
}

// Run listens on cfg.Addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	close(s.stopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, "Hello World! The server is running.")
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// Only push events drive releases; other deliveries (e.g. ping) are
	// acknowledged and dropped.
	if kind := r.Header.Get("X-GitHub-Event"); kind != "" && kind != "push" {
		s.logger.DebugContext(r.Context(), "ignoring webhook", slog.String("event", kind))
		_, _ = io.WriteString(w, "Webhook received")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusRequestEntityTooLarge)
		return
	}

	err = s.adapter.HandlePushDelivery(r.Context(), r.Header.Get("X-GitHub-Delivery"), body)
	if errors.Is(err, ErrInvalidPayload) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "push not delivered", slog.Any("error", err))
	}
	_, _ = io.WriteString(w, "Webhook received")
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.DebugContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.stopping:
			cancel()
		case <-ctx.Done():
		}
	}()

	hub := s.adapter.Hub()
	sink := broadcast.NewWebsocketSink(conn, s.cfg.Websocket)
	handle := hub.Register(sink)
	defer hub.Unregister(handle)

	s.logger.InfoContext(ctx, "WebSocket client connected", slog.String("remote", r.RemoteAddr))
	err = sink.Run(ctx, s.adapter.HandleObserverMessage)
	s.logger.InfoContext(ctx, "WebSocket client disconnected",
		slog.String("remote", r.RemoteAddr),
		slog.Any("error", err),
	)
}

type instanceView struct {
	WorkflowID string                     `json:"workflowId"`
	RunID      string                     `json:"runId"`
	Name       string                     `json:"name"`
	Status     api.Status                 `json:"status"`
	Vars       map[string]json.RawMessage `json:"vars,omitempty"`
	Error      string                     `json:"error,omitempty"`
	CreatedAt  time.Time                  `json:"createdAt"`
	UpdatedAt  time.Time                  `json:"updatedAt"`
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	target := api.Target{
		WorkflowID: r.PathValue("workflowID"),
		RunID:      r.URL.Query().Get("runId"),
	}
	inst, err := s.adapter.Engine().GetInstance(r.Context(), target)
	var unknown *api.UnknownWorkflowError
	if errors.As(err, &unknown) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "get instance failed", slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	view := instanceView{
		WorkflowID: inst.WorkflowID,
		RunID:      inst.RunID,
		Name:       inst.Name,
		Status:     inst.Status,
		Vars:       inst.Vars,
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
	}
	if inst.Err != nil {
		view.Error = inst.Err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}
