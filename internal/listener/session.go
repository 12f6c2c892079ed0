package listener

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/proto"
)

const writeWait = 10 * time.Second

var errTunnelClosed = errors.New("tunnel connection closed")

// wsConn is the subset of *websocket.Conn a session uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type reply struct {
	resp *proto.Response
	err  error
}

// Session is one authenticated tunnel connection plus the public requests
// waiting on it. Replies are matched to waiters by correlation ID.
type Session struct {
	id          string
	remote      string
	connectedAt time.Time
	conn        wsConn
	log         *obs.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan reply
	order   []string // pending IDs, oldest first
	closed  bool

	closeOnce sync.Once
}

func newSession(conn wsConn, id, remote string, log *obs.Logger) *Session {
	return &Session{
		id:          id,
		remote:      remote,
		connectedAt: time.Now().UTC(),
		conn:        conn,
		log:         log.With(obs.Fields{"session": id, "remote": remote}),
		pending:     make(map[string]chan reply),
	}
}

// Open reports whether the underlying connection has not been closed.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Pending returns the number of requests awaiting a reply.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// send writes one frame. Writes are serialized because the connection allows
// only one concurrent writer.
func (s *Session) send(v any) error {
	b, err := proto.Encode(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.sendLocked(b)
}

func (s *Session) sendLocked(b []byte) error {
	if !s.Open() {
		return errTunnelClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// await registers a waiter for id. The channel receives exactly one reply
// unless forget is called first.
func (s *Session) await(id string) (<-chan reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errTunnelClosed
	}
	ch := make(chan reply, 1)
	s.pending[id] = ch
	s.order = append(s.order, id)
	obs.PendingRequests.Inc()
	return ch, nil
}

// forget drops the waiter for id if it is still registered.
func (s *Session) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.takeLocked(id)
}

func (s *Session) takeLocked(id string) chan reply {
	ch, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	obs.PendingRequests.Dec()
	return ch
}

// deliver hands r to the waiter for id. A reply without an ID goes to the
// oldest waiter. It reports false when nobody is waiting.
func (s *Session) deliver(id string, r reply) bool {
	s.mu.Lock()
	if id == "" && len(s.order) > 0 {
		id = s.order[0]
	}
	ch := s.takeLocked(id)
	s.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- r
	return true
}

// readLoop dispatches inbound frames until the connection fails.
func (s *Session) readLoop() error {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.TextMessage {
			s.log.Debug("tunnel.frame.ignored", obs.Fields{"message_type": mt})
			continue
		}
		env, err := proto.Decode(data)
		if err != nil {
			s.log.Error("tunnel.frame.decode", obs.Fields{"err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("frame_decode").Inc()
			continue
		}
		switch env.Type {
		case proto.TypeHTTPResponse:
			resp, err := env.Response()
			if !s.deliver(env.ID, reply{resp: resp, err: err}) {
				s.log.Warn("tunnel.response.orphan", obs.Fields{"id": env.ID})
				obs.ErrorsTotal.WithLabelValues("orphan_response").Inc()
			}
		default:
			s.log.Warn("tunnel.frame.unknown", obs.Fields{"type": string(env.Type)})
		}
	}
}

// Close sends a close frame with code and reason, closes the connection and
// fails every pending request. Safe to call more than once.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		waiting := s.pending
		s.pending = make(map[string]chan reply)
		s.order = nil
		s.mu.Unlock()

		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = s.conn.Close()

		for _, ch := range waiting {
			obs.PendingRequests.Dec()
			ch <- reply{err: errTunnelClosed}
		}
	})
}
