package main

import (
	"flag"
	"time"

	"github.com/matst80/wsrelay/internal/auth"
	"github.com/matst80/wsrelay/internal/listener"
)

// Config holds all runtime configuration derived from flags.
type Config struct {
	Addr           string
	AcceptPath     string
	MetricsAddr    string
	Secret         string
	RequestTimeout time.Duration
	AuthWindow     time.Duration
	MaxBodySize    int64
	AddXFF         bool
	TrustForwarded bool
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	ConnRate       int
	ReqRate        int
	Burst          int
	SweepInterval  time.Duration
	AccessLog      bool
	Debug          bool
}

var cfg Config

// init registers flags into the global flag set; main parses them.
func init() {
	flag.StringVar(&cfg.Addr, "addr", ":8080", "public listen address (tunnel accept + proxied traffic)")
	flag.StringVar(&cfg.AcceptPath, "accept-path", listener.DefaultAcceptPath, "path the daemon connects to")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address (empty disables)")
	flag.StringVar(&cfg.Secret, "secret", "", "shared HMAC secret (default $TUNNEL_SECRET)")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", listener.DefaultRequestTimeout, "time to wait for the tunnel to answer a request")
	flag.DurationVar(&cfg.AuthWindow, "auth-window", auth.DefaultWindow, "accepted clock skew for tunnel signatures")
	flag.Int64Var(&cfg.MaxBodySize, "max-body-size", listener.DefaultMaxBodyBytes, "maximum public request body in bytes")
	flag.BoolVar(&cfg.AddXFF, "add-xff", true, "append X-Forwarded-For with the public client IP")
	flag.BoolVar(&cfg.TrustForwarded, "trust-forwarded", false, "take the client IP from the first X-Forwarded-For entry (behind a proxy)")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for shared tunnel state (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	flag.IntVar(&cfg.ConnRate, "conn-rate", 0, "tunnel connection attempts per second per IP (0 = unlimited)")
	flag.IntVar(&cfg.ReqRate, "req-rate", 0, "proxied requests per second per IP (0 = unlimited)")
	flag.IntVar(&cfg.Burst, "burst", 20, "rate limiter burst size")
	flag.DurationVar(&cfg.SweepInterval, "limiter-sweep-interval", time.Minute, "interval for dropping idle rate limiter buckets")
	flag.BoolVar(&cfg.AccessLog, "access-log", false, "log every public request")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}
