// Package listener is the public side of the tunnel: it accepts the single
// authenticated daemon connection and proxies public HTTP requests over it.
package listener

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/matst80/wsrelay/internal/auth"
	"github.com/matst80/wsrelay/internal/httpx"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/proto"
	"github.com/matst80/wsrelay/internal/ratelimit"
	"github.com/matst80/wsrelay/internal/state"
)

const (
	DefaultAcceptPath     = "/accept"
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxBodyBytes   = 10 << 20
)

// Config holds listener settings. Zero values select the defaults.
type Config struct {
	Secret         string
	AcceptPath     string
	RequestTimeout time.Duration
	AuthWindow     time.Duration
	MaxBodyBytes   int64
	AddXFF         bool
	TrustForwarded bool
	Limiter        *ratelimit.Limiter
	Store          state.Store
	Instance       string
	Now            func() time.Time
}

// Server is an http.Handler serving both the accept endpoint and the proxied surface.
type Server struct {
	cfg      Config
	registry *Registry
	upgrader websocket.Upgrader
	log      *obs.Logger
}

func New(cfg Config) *Server {
	if cfg.AcceptPath == "" {
		cfg.AcceptPath = DefaultAcceptPath
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.AuthWindow <= 0 {
		cfg.AuthWindow = auth.DefaultWindow
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Store == nil {
		cfg.Store = state.NewMemory()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: obs.Named("listener"),
	}
}

// Registry exposes the active-connection slot.
func (s *Server) Registry() *Registry { return s.registry }

// Pending returns the number of public requests awaiting a tunnel reply.
func (s *Server) Pending() int {
	if sess := s.registry.Get(); sess != nil {
		return sess.Pending()
	}
	return 0
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == s.cfg.AcceptPath && websocket.IsWebSocketUpgrade(r) {
		s.handleAccept(w, r)
		return
	}
	s.handleIngress(w, r)
}

// handleAccept runs UPGRADED -> AUTH_CHECK -> {REJECTED | ACCEPTED -> OPEN} -> CLOSED
// for one connection. It blocks for the connection's lifetime.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	remote := httpx.ClientIP(r, s.cfg.TrustForwarded)
	if !s.cfg.Limiter.AllowConnection(remote) {
		obs.ErrorsTotal.WithLabelValues("accept_rate_limited").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("accept.upgrade", obs.Fields{"err": err.Error(), "remote": remote})
		obs.ErrorsTotal.WithLabelValues("upgrade").Inc()
		return
	}
	// A body of MaxBodyBytes grows up to 6x as an escaped JSON string.
	conn.SetReadLimit(6*s.cfg.MaxBodyBytes + 64*1024)

	if err := auth.VerifyQuery(s.cfg.Secret, r.URL.Query(), s.cfg.Now(), s.cfg.AuthWindow); err != nil {
		s.log.Warn("accept.auth_failed", obs.Fields{"reason": err.Error(), "remote": remote})
		obs.AuthFailuresTotal.WithLabelValues(auth.ReasonLabel(err)).Inc()
		s.cfg.Store.Incr(r.Context(), state.CounterAuthFailures)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReason(err.Error())),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	sess := newSession(conn, uuid.NewString(), remote, s.log)
	if err := s.install(sess); err != nil {
		s.log.Error("accept.connected_send", obs.Fields{"err": err.Error(), "session": sess.id})
		sess.Close(websocket.CloseInternalServerErr, "")
		s.registry.ClearIfCurrent(sess)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if err := s.cfg.Store.TunnelConnected(ctx, state.Session{
		ID: sess.id, Remote: remote, Instance: s.cfg.Instance, ConnectedAt: sess.connectedAt,
	}); err != nil {
		s.log.Error("state.tunnel_connected", obs.Fields{"err": err.Error()})
	}
	s.log.Info("tunnel.accepted", obs.Fields{"session": sess.id, "remote": remote})

	err = sess.readLoop()
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.log.Error("tunnel.read", obs.Fields{"err": err.Error(), "session": sess.id})
	}
	sess.Close(websocket.CloseNormalClosure, "")
	if s.registry.ClearIfCurrent(sess) {
		obs.ActiveTunnels.Set(0)
	}
	if err := s.cfg.Store.TunnelDisconnected(ctx, sess.id); err != nil {
		s.log.Error("state.tunnel_disconnected", obs.Fields{"err": err.Error()})
	}
	obs.TunnelDurationSeconds.Observe(time.Since(sess.connectedAt).Seconds())
	s.log.Info("tunnel.closed", obs.Fields{"session": sess.id})
}

// install registers sess and sends the connected frame while holding the
// session's write lock, so no request frame can precede it.
func (s *Server) install(sess *Session) error {
	frame, err := proto.Encode(proto.Connected{Type: proto.TypeConnected})
	if err != nil {
		return err
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if s.registry.Set(sess) {
		obs.TunnelReplacedTotal.Inc()
		s.cfg.Store.Incr(context.Background(), state.CounterReplaced)
		s.log.Info("tunnel.replaced", obs.Fields{"session": sess.id})
	}
	obs.ActiveTunnels.Set(1)
	obs.TunnelAcceptedTotal.Inc()
	s.cfg.Store.Incr(context.Background(), state.CounterTunnels)
	return sess.sendLocked(frame)
}

// Shutdown closes the active tunnel connection, if any.
func (s *Server) Shutdown() {
	if sess := s.registry.Get(); sess != nil {
		sess.Close(websocket.CloseGoingAway, "listener shutting down")
		s.registry.ClearIfCurrent(sess)
		obs.ActiveTunnels.Set(0)
	}
}

// maxCloseReason is the control frame payload limit minus the 2-byte code.
const maxCloseReason = 123

// closeReason makes text safe for a close frame: valid UTF-8 and short
// enough to fit a control frame.
func closeReason(text string) string {
	text = strings.ToValidUTF8(text, "")
	if len(text) <= maxCloseReason {
		return text
	}
	text = text[:maxCloseReason]
	for !utf8.ValidString(text) {
		text = text[:len(text)-1]
	}
	return text
}
