package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/requestlog"
	"github.com/matst80/wsrelay/internal/config"
	"github.com/matst80/wsrelay/internal/listener"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/ratelimit"
	"github.com/matst80/wsrelay/internal/state"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := config.LoadDotEnv(); err != nil {
		obs.Warn("config.dotenv", obs.Fields{"err": err.Error()})
	}
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	secret := cfg.Secret
	if secret == "" {
		secret = os.Getenv(config.SecretEnv)
	}
	if secret == "" {
		obs.Error("listener.config", obs.Fields{"err": "a secret is required (--secret or " + config.SecretEnv + ")"})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instance := uuid.NewString()
	store, err := state.New(ctx, state.Options{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		Instance:      instance,
	})
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	defer store.Close()

	var limiter *ratelimit.Limiter
	if cfg.ConnRate > 0 || cfg.ReqRate > 0 {
		limiter = ratelimit.New(cfg.ConnRate, cfg.ReqRate, cfg.Burst)
	}

	srv := listener.New(listener.Config{
		Secret:         secret,
		AcceptPath:     cfg.AcceptPath,
		RequestTimeout: cfg.RequestTimeout,
		AuthWindow:     cfg.AuthWindow,
		MaxBodyBytes:   cfg.MaxBodySize,
		AddXFF:         cfg.AddXFF,
		TrustForwarded: cfg.TrustForwarded,
		Limiter:        limiter,
		Store:          store,
		Instance:       instance,
	})

	var handler http.Handler = srv
	if cfg.AccessLog {
		handler = requestlog.Wrap(handler)
	}
	public := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	obs.Info("listener.start", obs.Fields{"addr": cfg.Addr, "accept_path": cfg.AcceptPath, "metrics": cfg.MetricsAddr, "instance": instance})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(public) })
	if cfg.MetricsAddr != "" {
		metrics := newMetricsServer(cfg.MetricsAddr, store, srv)
		g.Go(func() error { return serve(metrics) })
		g.Go(func() error { return shutdownOnDone(gctx, metrics) })
	}
	if r, ok := store.(interface{ Run(context.Context) }); ok {
		g.Go(func() error { r.Run(gctx); return nil })
	}
	if limiter != nil {
		g.Go(func() error { runSweepLoop(gctx, limiter, cfg.SweepInterval); return nil })
	}
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("listener.shutdown.signal", obs.Fields{})
		store.SetClosing(true)
		srv.Shutdown()
		return shutdownOnDone(gctx, public)
	})

	store.SetReady(true)
	obs.Info("listener.ready", obs.Fields{})

	if err := g.Wait(); err != nil {
		obs.Error("listener.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("listener.shutdown.complete", obs.Fields{})
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdownOnDone waits for ctx and then drains s.
func shutdownOnDone(ctx context.Context, s *http.Server) error {
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(sctx)
}

func runSweepLoop(ctx context.Context, l *ratelimit.Limiter, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.Sweep(2 * interval); n > 0 {
				obs.Debug("ratelimit.sweep", obs.Fields{"removed": n})
			}
		}
	}
}
