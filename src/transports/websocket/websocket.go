// Package websocket serves request envelopes over a websocket connection. Each
// text frame carries one envelope; replies may arrive out of order and are
// correlated by id.
package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/json"
	"github.com/universal-tool-calling-protocol/go-mcp-orchestrator/src/protocol"
)

const (
	defaultReadLimit    = 1 << 20
	defaultWriteTimeout = 10 * time.Second
	defaultInFlight     = 32
)

// EnvelopeHandler answers one encoded request envelope with one encoded response.
type EnvelopeHandler interface {
	HandleJSON(ctx context.Context, data []byte) []byte
}

// Server upgrades HTTP requests and serves envelopes on the resulting connection.
type Server struct {
	handler      EnvelopeHandler
	upgrader     websocket.Upgrader
	readLimit    int64
	writeTimeout time.Duration
	inFlight     int
	logger       *slog.Logger
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxInFlight caps concurrent requests per connection.
func WithMaxInFlight(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.inFlight = n
		}
	}
}

// WithCheckOrigin replaces the upgrader's origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

func NewServer(h EnvelopeHandler, opts ...Option) *Server {
	s := &Server{
		handler:      h,
		readLimit:    defaultReadLimit,
		writeTimeout: defaultWriteTimeout,
		inFlight:     defaultInFlight,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.serve(r.Context(), conn)
}

func (s *Server) serve(parent context.Context, conn *websocket.Conn) {
	// the request context is not cancelled when a hijacked connection closes
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	conn.SetReadLimit(s.readLimit)
	out := make(chan []byte, s.inFlight)
	writerDone := make(chan struct{})
	go s.writeLoop(conn, out, cancel, writerDone)

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.inFlight)
	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "error", err)
			}
			break
		}
		if kind != websocket.TextMessage {
			resp := protocol.Failure(nil, protocol.BadRequest("envelopes must be sent as text frames"))
			if data, err := json.Marshal(resp); err == nil {
				out <- data
			}
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(msg []byte) {
			defer wg.Done()
			defer func() { <-sem }()
			resp := s.handler.HandleJSON(ctx, msg)
			select {
			case out <- resp:
			case <-ctx.Done():
			}
		}(msg)
	}

	cancel()
	wg.Wait()
	close(out)
	<-writerDone
}

// writeLoop is the only goroutine writing to conn.
func (s *Server) writeLoop(conn *websocket.Conn, out <-chan []byte, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	broken := false
	for msg := range out {
		if broken {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.logger.Warn("websocket write failed", "error", err)
			broken = true
			cancel()
			// unblocks the reader
			_ = conn.Close()
		}
	}
}
