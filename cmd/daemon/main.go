package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/wsrelay/internal/config"
	"github.com/matst80/wsrelay/internal/daemon"
	"github.com/matst80/wsrelay/internal/obs"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		obs.Warn("config.dotenv", obs.Fields{"err": err.Error()})
	}
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	cfg.Target, cfg.ListenerURL = flag.Arg(0), flag.Arg(1)

	target, err := config.NormalizeTarget(cfg.Target)
	if err != nil {
		fatal("daemon.config", err)
	}
	listenerURL, err := config.ValidateListenerURL(cfg.ListenerURL)
	if err != nil {
		fatal("daemon.config", err)
	}
	secret, err := config.ResolveSecret(cfg.Secret, os.Getenv, config.DefaultSecretDirs()...)
	if err != nil {
		fatal("daemon.config", err)
	}

	egress := daemon.NewEgress(target, daemon.EgressOptions{
		StripHost:        cfg.StripHost,
		HostRewrite:      cfg.HostRewrite,
		Timeout:          cfg.UpstreamTimeout,
		MaxResponseBytes: cfg.MaxResponseSize,
	})
	client := daemon.New(daemon.Config{
		ListenerURL:      listenerURL,
		Secret:           secret,
		Reconnect:        cfg.Reconnect,
		MaxRetryInterval: cfg.MaxRetryInterval,
		MaxRetries:       cfg.MaxRetries,
	}, egress)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs.Info("daemon.start", obs.Fields{"target": target.String(), "listener": listenerURL, "reconnect": cfg.Reconnect})
	if err := client.Run(ctx); err != nil {
		fatal("daemon.exit", err)
	}
	obs.Info("daemon.shutdown.complete", obs.Fields{})
}

func fatal(msg string, err error) {
	obs.Error(msg, obs.Fields{"err": err.Error()})
	os.Exit(1)
}
