package streaming

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Server accepts viewer WebSocket connections on a single TCP listener and
// hands them to the coordinator. Any upgrade request becomes a viewer
// regardless of path; a plain GET /metrics serves prometheus, everything
// else is told to upgrade.
type Server struct {
	coord    *Coordinator
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates the viewer-facing server.
func NewServer(coord *Coordinator, logger *slog.Logger) *Server {
	return &Server{
		coord:  coord,
		logger: logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           http.HandlerFunc(s.handle),
		ReadHeaderTimeout: handshakeTimeout,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("Listening for viewers", "addr", addr)
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("Server stopped", "error", serveErr)
		}
	}()
	return nil
}

// Stop shuts the listener down, waiting for in-flight handshakes.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleViewer(w, r)
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		promhttp.Handler().ServeHTTP(w, r)
		return
	}
	http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
}

// handleViewer upgrades the connection, admits the viewer, and then reads
// (and discards) inbound messages until the connection dies. The read loop
// is also what detects the disconnect.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sink := newWSSink(conn)
	id := s.coord.HandleViewerConnect(sink)
	s.logger.Debug("Viewer connection open", "viewer_id", id, "remote", r.RemoteAddr)

	for {
		if _, _, readErr := conn.ReadMessage(); readErr != nil {
			break
		}
		// Viewers are not expected to send anything; whatever arrives is
		// ignored.
	}

	s.coord.HandleViewerDisconnect(id)
	s.logger.Debug("Viewer connection closed", "viewer_id", id)
}

// wsSink adapts a websocket connection to the Sink interface. Writes are
// serialized: the viewer's writer goroutine and the coordinator's close path
// may race.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn}
}

// WriteBinary sends one binary frame with a bounded deadline.
func (s *wsSink) WriteBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends the close frame and tears the connection down. Errors are
// irrelevant: the peer may already be gone.
func (s *wsSink) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return s.conn.Close()
}
