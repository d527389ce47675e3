package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/internal/config"
	"github.com/alertrelay/alertrelay/internal/logger"
)

const closeReasonShutdown = "server shutting down"

type ServerOptions struct {
	Addr            string
	MaxMessageBytes int64
	ShutdownTimeout time.Duration
}

// Server accepts producer WebSocket connections and runs one Handler loop
// per connection. It owns the dedup state and closes it on Shutdown.
type Server struct {
	handler         *Handler
	dedup           DuplicateChecker
	httpServer      *http.Server
	upgrader        websocket.Upgrader
	maxMessageBytes int64
	shutdownTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	closing bool
	wg      sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

func NewServer(opts ServerOptions, dedup DuplicateChecker, handler *Handler) *Server {
	if opts.Addr == "" {
		opts.Addr = ":3000"
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = config.DefaultMaxMessageBytes
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		handler:         handler,
		dedup:           dedup,
		maxMessageBytes: opts.MaxMessageBytes,
		shutdownTimeout: opts.ShutdownTimeout,
		baseCtx:         ctx,
		cancel:          cancel,
		conns:           make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Producers are services, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: config.DefaultReadHeaderTimeout,
	}
	return s
}

// Routes serves the WebSocket upgrade on every path except /health.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleWebSocket)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("WebSocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}
	if !s.track(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, closeReasonShutdown),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	conn.SetReadLimit(s.maxMessageBytes)
	s.handler.Serve(s.baseCtx, conn)
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
	s.wg.Done()
}

func (s *Server) snapshot() []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// ActiveConnections reports the number of open producer connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger.Info("Server is running", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in relay server", zap.Any("panic", r))
			}
		}()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			s.dedup.Close()
			s.cancel()
			return err
		}
		return s.Shutdown(context.Background())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections, sends a normal closure to every open
// connection and waits for their handlers until ctx expires, after which the
// remaining connections are closed forcibly. The dedup state is closed last.
// Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()

		s.shutdownErr = s.httpServer.Shutdown(ctx)

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReasonShutdown)
		for _, c := range s.snapshot() {
			_ = c.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			logger.Warn("Shutdown timeout reached, closing remaining connections",
				zap.Int("connections", s.ActiveConnections()))
			s.cancel()
			for _, c := range s.snapshot() {
				_ = c.Close()
			}
			<-done
		}
		s.cancel()
		s.dedup.Close()
		logger.Info("Relay server stopped")
	})
	return s.shutdownErr
}
