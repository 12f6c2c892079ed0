// Package state records which tunnel session a listener holds and a few
// lifetime counters, either in memory or in Redis so several listener
// instances behind one public name can report a shared view.
package state

import (
	"context"
	"time"

	"github.com/matst80/wsrelay/internal/obs"
)

// Counter names a lifetime counter.
type Counter string

const (
	CounterTunnels      Counter = "tunnels"
	CounterReplaced     Counter = "replaced"
	CounterAuthFailures Counter = "auth_failures"
	CounterRequests     Counter = "requests"
	CounterTimeouts     Counter = "timeouts"
)

var allCounters = []Counter{CounterTunnels, CounterReplaced, CounterAuthFailures, CounterRequests, CounterTimeouts}

// Session describes the registered tunnel connection.
type Session struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	Instance    string    `json:"instance"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Stats is a snapshot for the state API.
type Stats struct {
	Active   *Session          `json:"active,omitempty"`
	Counters map[Counter]int64 `json:"counters"`
}

// Store abstracts tunnel state so it can live outside the process.
type Store interface {
	TunnelConnected(ctx context.Context, s Session) error
	TunnelDisconnected(ctx context.Context, id string) error
	Incr(ctx context.Context, c Counter)
	Stats(ctx context.Context) (Stats, error)
	SetReady(ready bool)
	SetClosing(closing bool)
	IsReady() bool
	IsClosing() bool
	Close() error
}

// Options select the backend. An empty RedisAddr keeps state in memory.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Instance      string
}

// New creates either an in-memory or Redis-backed store.
func New(ctx context.Context, opts Options) (Store, error) {
	if opts.RedisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": opts.RedisAddr})
	return NewRedis(ctx, opts)
}
