// Package rpc exposes playback sessions to players as JSON-RPC 2.0 over WebSocket.
//
// A connection owns at most one session. Requests on a connection are handled
// in arrival order, so player events reach the controller in the order the
// player sent them. Quality decisions are pushed back as quality.decision
// notifications; a notification may arrive before or after the response to
// the request that triggered it.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/streamqc/internal/quality"
	"github.com/mikeyg42/streamqc/internal/session"
)

// Methods served on a connection
const (
	MethodSessionOpen  = "session.open"
	MethodSessionClose = "session.close"
	MethodPlayerState  = "player.state"
	MethodSample       = "bandwidth.sample"
	MethodManual       = "quality.manual"
	MethodAuto         = "quality.auto"
	MethodClearErrors  = "quality.clearErrors"
	MethodMetrics      = "metrics.get"

	// NotifyDecision carries a quality.QualityDecision to the player
	NotifyDecision = "quality.decision"
)

// Application error codes, outside the range reserved by JSON-RPC
const (
	CodeNoSession     int64 = -32001
	CodeSessionClosed int64 = -32002
	CodeSessionExists int64 = -32003
	CodeUnavailable   int64 = -32004
)

const closeTimeout = 10 * time.Second

// Sessions is the part of the session manager the RPC layer drives
type Sessions interface {
	Open(ctx context.Context, req session.OpenRequest) (*session.Session, error)
	Close(ctx context.Context, id string) (*session.Closed, error)
}

// OpenParams are the parameters of session.open. An empty ladder selects the
// server's configured ladder.
type OpenParams struct {
	Media  string                  `json:"media"`
	Ladder []quality.QualityOption `json:"ladder,omitempty"`
	Start  string                  `json:"start,omitempty"`
}

type OpenResult struct {
	SessionID    string                  `json:"sessionId"`
	Ladder       []quality.QualityOption `json:"ladder"`
	CurrentIndex int                     `json:"currentIndex"`
	Current      quality.QualityOption   `json:"current"`
}

type StateParams struct {
	State quality.PlayerState `json:"state"`
}

// SampleParams reports one completed chunk download
type SampleParams struct {
	Bytes     uint64 `json:"bytes"`
	ElapsedMs int64  `json:"elapsedMs"`
}

type ManualParams struct {
	Index int `json:"index"`
}

type CloseResult struct {
	SessionID  string           `json:"sessionId"`
	Decisions  int              `json:"decisions"`
	ArchiveKey string           `json:"archiveKey,omitempty"`
	Final      quality.Snapshot `json:"final"`
}

// Server upgrades HTTP requests to JSON-RPC connections
type Server struct {
	sessions Sessions
	upgrader websocket.Upgrader
	origins  map[string]bool
	logger   *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
	conns    sync.WaitGroup
}

// NewServer creates an RPC server. Browser connections are accepted only from
// allowedOrigins; requests without an Origin header are always accepted.
func NewServer(sessions Sessions, allowedOrigins []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.L().Named("rpc")
	}

	s := &Server{
		sessions: sessions,
		origins:  make(map[string]bool, len(allowedOrigins)),
		logger:   logger,
		done:     make(chan struct{}),
	}
	for _, o := range allowedOrigins {
		s.origins[o] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.origins[origin]
}

// ServeHTTP upgrades the request and serves the connection until the peer
// disconnects or the server is closed. The connection's session is closed on exit.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	// Drop the deadlines the HTTP server set for the handshake request
	ws.UnderlyingConn().SetDeadline(time.Time{})

	s.conns.Add(1)
	defer s.conns.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &connection{
		sessions: s.sessions,
		clientIP: clientIP(r),
		logger:   s.logger.With(zap.String("remote", r.RemoteAddr)),
	}
	conn := jsonrpc2.NewConn(ctx, wsjsonrpc2.NewObjectStream(ws), jsonrpc2.HandlerWithError(c.handle))
	c.logger.Debug("rpc connection opened")

	select {
	case <-conn.DisconnectNotify():
	case <-s.done:
		conn.Close()
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer closeCancel()
	c.release(closeCtx)
	c.logger.Debug("rpc connection closed")
}

// Close disconnects every connection and waits for their sessions to close
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.done) })
	s.conns.Wait()
}

// connection is the per-socket state. The handler runs synchronously on the
// read loop, mu only guards against release on disconnect.
type connection struct {
	sessions Sessions
	clientIP string
	logger   *zap.Logger

	mu          sync.Mutex
	sess        *session.Session
	unsubscribe func()
}

func (c *connection) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	switch req.Method {
	case MethodSessionOpen:
		var p OpenParams
		if err := decodeParams(req, &p, false); err != nil {
			return nil, err
		}
		return c.open(ctx, conn, p)

	case MethodSessionClose:
		return c.close(ctx)

	case MethodPlayerState:
		var p StateParams
		if err := decodeParams(req, &p, true); err != nil {
			return nil, err
		}
		return c.withSession(func(s *session.Session) (interface{}, error) {
			return nil, s.PushState(ctx, p.State)
		})

	case MethodSample:
		var p SampleParams
		if err := decodeParams(req, &p, true); err != nil {
			return nil, err
		}
		if p.ElapsedMs < 0 {
			return nil, invalidParams("elapsedMs must not be negative")
		}
		sample := quality.BandwidthSample{
			Bytes:   p.Bytes,
			Elapsed: time.Duration(p.ElapsedMs) * time.Millisecond,
		}
		return c.withSession(func(s *session.Session) (interface{}, error) {
			return nil, s.PushSample(ctx, sample)
		})

	case MethodManual:
		var p ManualParams
		if err := decodeParams(req, &p, true); err != nil {
			return nil, err
		}
		return c.withSession(func(s *session.Session) (interface{}, error) {
			return s.SetManualQuality(ctx, p.Index)
		})

	case MethodAuto:
		return c.withSession(func(s *session.Session) (interface{}, error) {
			return nil, s.SetAuto(ctx)
		})

	case MethodClearErrors:
		return c.withSession(func(s *session.Session) (interface{}, error) {
			return nil, s.ClearErrors(ctx)
		})

	case MethodMetrics:
		return c.withSession(func(s *session.Session) (interface{}, error) {
			return s.Snapshot(ctx)
		})

	default:
		return nil, &jsonrpc2.Error{
			Code:    jsonrpc2.CodeMethodNotFound,
			Message: fmt.Sprintf("method not supported: %s", req.Method),
		}
	}
}

func (c *connection) open(ctx context.Context, conn *jsonrpc2.Conn, p OpenParams) (interface{}, error) {
	if err := validateLadder(p.Ladder); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess != nil {
		return nil, &jsonrpc2.Error{
			Code:    CodeSessionExists,
			Message: fmt.Sprintf("connection already owns session %s", c.sess.ID),
		}
	}

	s, err := c.sessions.Open(ctx, session.OpenRequest{
		Media:    p.Media,
		ClientIP: c.clientIP,
		Ladder:   p.Ladder,
		Start:    p.Start,
	})
	if err != nil {
		return nil, toRPCError(err)
	}

	snap, err := s.Snapshot(ctx)
	if err != nil {
		c.closeDetached(s)
		return nil, toRPCError(err)
	}

	decisions, unsubscribe := s.Subscribe()
	go c.forward(conn, s.ID, decisions)

	c.sess = s
	c.unsubscribe = unsubscribe
	c.logger = c.logger.With(zap.String("session", s.ID))

	return &OpenResult{
		SessionID:    s.ID,
		Ladder:       snap.Ladder,
		CurrentIndex: snap.CurrentIndex,
		Current:      snap.Current,
	}, nil
}

// forward pushes decisions to the peer until the subscription ends
func (c *connection) forward(conn *jsonrpc2.Conn, id string, decisions <-chan quality.QualityDecision) {
	for d := range decisions {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		err := conn.Notify(ctx, NotifyDecision, d)
		cancel()
		if err != nil {
			c.logger.Debug("failed to notify decision",
				zap.String("session", id),
				zap.String("decision", d.String()),
				zap.Error(err))
		}
	}
}

func (c *connection) close(ctx context.Context) (interface{}, error) {
	c.mu.Lock()
	s, unsubscribe := c.sess, c.unsubscribe
	c.sess, c.unsubscribe = nil, nil
	c.mu.Unlock()

	if s == nil {
		return nil, errNoSession()
	}
	unsubscribe()

	closed, err := c.sessions.Close(ctx, s.ID)
	if err != nil {
		return nil, toRPCError(err)
	}
	return &CloseResult{
		SessionID:  s.ID,
		Decisions:  len(closed.Report.Decisions),
		ArchiveKey: closed.ArchiveKey,
		Final:      closed.Report.Final,
	}, nil
}

// release closes the connection's session after a disconnect
func (c *connection) release(ctx context.Context) {
	c.mu.Lock()
	s, unsubscribe := c.sess, c.unsubscribe
	c.sess, c.unsubscribe = nil, nil
	c.mu.Unlock()

	if s == nil {
		return
	}
	unsubscribe()
	if _, err := c.sessions.Close(ctx, s.ID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		c.logger.Warn("failed to close session on disconnect", zap.Error(err))
	}
}

func (c *connection) closeDetached(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if _, err := c.sessions.Close(ctx, s.ID); err != nil {
		c.logger.Warn("failed to close session", zap.String("session", s.ID), zap.Error(err))
	}
}

func (c *connection) withSession(fn func(*session.Session) (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()

	if s == nil {
		return nil, errNoSession()
	}
	result, err := fn(s)
	if err != nil {
		return nil, toRPCError(err)
	}
	return result, nil
}

func decodeParams(req *jsonrpc2.Request, v interface{}, required bool) error {
	if req.Params == nil || string(*req.Params) == "null" {
		if required {
			return invalidParams(fmt.Sprintf("%s requires params", req.Method))
		}
		return nil
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return invalidParams(fmt.Sprintf("invalid %s params: %v", req.Method, err))
	}
	return nil
}

func validateLadder(ladder []quality.QualityOption) error {
	seen := make(map[string]bool, len(ladder))
	for i, opt := range ladder {
		switch {
		case opt.Name == "":
			return invalidParams(fmt.Sprintf("ladder[%d]: name is required", i))
		case seen[opt.Name]:
			return invalidParams(fmt.Sprintf("ladder[%d]: duplicate name %q", i, opt.Name))
		case opt.Bitrate == 0:
			return invalidParams(fmt.Sprintf("ladder[%d]: bitrate must be positive", i))
		}
		seen[opt.Name] = true
	}
	return nil
}

func invalidParams(msg string) error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: msg}
}

func errNoSession() error {
	return &jsonrpc2.Error{Code: CodeNoSession, Message: "no session open on this connection"}
}

// toRPCError maps domain errors onto JSON-RPC error codes
func toRPCError(err error) error {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := int64(jsonrpc2.CodeInternalError)
	switch {
	case errors.Is(err, quality.ErrIndexOutOfRange),
		errors.Is(err, quality.ErrEmptyLadder),
		errors.Is(err, session.ErrUnknownQuality):
		code = jsonrpc2.CodeInvalidParams
	case errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, session.ErrSessionNotFound):
		code = CodeSessionClosed
	case errors.Is(err, session.ErrManagerClosed):
		code = CodeUnavailable
	}
	return &jsonrpc2.Error{Code: code, Message: err.Error()}
}

// clientIP uses the TCP peer address; forwarded headers are not trusted
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
