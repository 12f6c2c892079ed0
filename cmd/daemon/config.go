package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/matst80/wsrelay/internal/daemon"
)

// Config holds daemon runtime configuration.
type Config struct {
	Target           string
	ListenerURL      string
	Secret           string
	StripHost        bool
	HostRewrite      string
	UpstreamTimeout  time.Duration
	MaxResponseSize  int64
	Reconnect        bool
	MaxRetryInterval time.Duration
	MaxRetries       int
	Debug            bool
}

var cfg Config

// init registers all daemon flags into the default flag set.
func init() {
	flag.StringVar(&cfg.Secret, "secret", "", "shared HMAC secret (default $TUNNEL_SECRET, then .wsrelay.json)")
	flag.BoolVar(&cfg.StripHost, "strip-host", false, "send the target's own Host instead of the public one")
	flag.StringVar(&cfg.HostRewrite, "host-rewrite", "", "rewrite Host header to this value (overrides original)")
	flag.DurationVar(&cfg.UpstreamTimeout, "upstream-timeout", 0, "limit for a single request to the target (0 = none)")
	flag.Int64Var(&cfg.MaxResponseSize, "max-response-size", daemon.DefaultMaxResponseBytes, "largest target response body relayed; keep at or below the listener's --max-body-size")
	flag.BoolVar(&cfg.Reconnect, "reconnect", false, "reconnect with backoff when the tunnel drops")
	flag.DurationVar(&cfg.MaxRetryInterval, "max-retry-interval", 5*time.Minute, "upper bound for the reconnect backoff")
	flag.IntVar(&cfg.MaxRetries, "max-retries", 0, "give up after this many reconnect attempts (0 = unlimited)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.Usage = usage
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [flags] <target-host> <listener-url>\n\n", os.Args[0])
	fmt.Fprintln(out, "  target-host   local service to expose, e.g. localhost:3000 or http://127.0.0.1:8080")
	fmt.Fprintln(out, "  listener-url  tunnel accept URL, e.g. wss://relay.example.com/accept")
	fmt.Fprintln(out, "\nFlags:")
	flag.PrintDefaults()
}
