package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matst80/wsrelay/internal/obs"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix       = "wsrelay:"
	activeKey       = keyPrefix + "active"
	counterKeyPfx   = keyPrefix + "counter:"
	defaultKeyTTL   = 2 * time.Minute
	defaultInterval = 30 * time.Second
)

// releaseScript deletes the active key only while it still names our session.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then return 0 end
local ok, s = pcall(cjson.decode, v)
if ok and s["id"] == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// redisStore keeps the active session in Redis with a TTL refreshed by a
// heartbeat while this instance holds the tunnel.
type redisStore struct {
	client   *redis.Client
	instance string

	mu      sync.Mutex
	local   *Session // session owned by this instance, if any
	ready   bool
	closing bool

	keyTTL            time.Duration
	heartbeatInterval time.Duration
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, opts Options) (*redisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr, Password: opts.RedisPassword, DB: opts.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	instance := opts.Instance
	if instance == "" {
		instance = fmt.Sprintf("wsrelay-%d", time.Now().UnixNano())
	}
	return &redisStore{
		client:            rdb,
		instance:          instance,
		keyTTL:            defaultKeyTTL,
		heartbeatInterval: defaultInterval,
	}, nil
}

var _ Store = (*redisStore)(nil)

func (r *redisStore) TunnelConnected(ctx context.Context, s Session) error {
	if s.Instance == "" {
		s.Instance = r.instance
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, activeKey, data, r.keyTTL).Err(); err != nil {
		return fmt.Errorf("redis set active: %w", err)
	}
	r.mu.Lock()
	cp := s
	r.local = &cp
	r.mu.Unlock()
	return nil
}

func (r *redisStore) TunnelDisconnected(ctx context.Context, id string) error {
	r.mu.Lock()
	if r.local != nil && r.local.ID == id {
		r.local = nil
	}
	r.mu.Unlock()
	if err := releaseScript.Run(ctx, r.client, []string{activeKey}, id).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release active: %w", err)
	}
	return nil
}

func (r *redisStore) Incr(ctx context.Context, c Counter) {
	if err := r.client.Incr(ctx, counterKeyPfx+string(c)).Err(); err != nil {
		obs.Error("redis.incr", obs.Fields{"err": err.Error(), "counter": string(c)})
	}
}

func (r *redisStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Counters: make(map[Counter]int64, len(allCounters))}
	pipe := r.client.Pipeline()
	active := pipe.Get(ctx, activeKey)
	cmds := make(map[Counter]*redis.StringCmd, len(allCounters))
	for _, c := range allCounters {
		cmds[c] = pipe.Get(ctx, counterKeyPfx+string(c))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return st, fmt.Errorf("redis stats: %w", err)
	}
	for c, cmd := range cmds {
		n, err := cmd.Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			obs.Error("redis.stats.counter", obs.Fields{"err": err.Error(), "counter": string(c)})
			continue
		}
		st.Counters[c] = n
	}
	if raw, err := active.Bytes(); err == nil {
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			obs.Error("redis.unmarshal_session", obs.Fields{"err": err.Error()})
		} else {
			st.Active = &s
		}
	}
	return st, nil
}

// Run refreshes the active key while this instance owns the tunnel. It
// returns when ctx is done.
func (r *redisStore) Run(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *redisStore) heartbeat(ctx context.Context) {
	r.mu.Lock()
	local := r.local
	r.mu.Unlock()
	if local == nil {
		return
	}
	if err := r.client.Expire(ctx, activeKey, r.keyTTL).Err(); err != nil {
		obs.Error("redis.heartbeat.expire", obs.Fields{"err": err.Error(), "session": local.ID})
	}
}

func (r *redisStore) SetReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *redisStore) SetClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *redisStore) IsReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }
func (r *redisStore) IsClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *redisStore) Close() error            { return r.client.Close() }
