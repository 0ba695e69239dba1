package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lc/scry/internal/config"
	"github.com/lc/scry/internal/engine"
	"github.com/lc/scry/internal/filesys"
	"github.com/lc/scry/internal/log"
	"github.com/lc/scry/internal/reactor"
	"github.com/lc/scry/internal/resolver"
	"github.com/lc/scry/pkg/api"
)

func main() {
	// load config
	cfg, err := config.New().Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	servers, err := cfg.ResolverServers()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// build deps
	loop, err := reactor.NewLoop()
	if err != nil {
		log.Fatalf("reactor: %v", err)
	}

	res, err := resolver.New(loop,
		resolver.WithServers(servers),
		resolver.WithTCP(cfg.Resolver.UseTCP),
		resolver.WithQueryTimeout(cfg.Resolver.QueryTimeout),
		resolver.WithQueryTries(cfg.Resolver.QueryTries),
	)
	if err != nil {
		log.Fatalf("resolver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("reactor: %v", err)
		}
	}()

	eng := engine.New(loop, res, cfg.Watch.MinRefresh, cfg.Watch.MaxRefresh,
		engine.WithStateFile(filesys.OS(), statePath()))
	eng.Run(ctx)

	// start the api over unix socket
	apiSrv := api.New(eng)
	go func() {
		if err := apiSrv.ListenAndServe(cfg.Socket.Path); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("api listen: %v", err)
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	<-sig
	log.Info("shutting down…")

	shutdownCtx, done := context.WithTimeout(ctx, 5*time.Second)
	defer done()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("api shutdown error: %v", err)
	}
	eng.Close()

	// The resolver must be torn down on its own loop goroutine.
	loop.Post(res.Close)
	cancel()
	<-loopDone
	if err := loop.Close(); err != nil {
		log.Errorf("reactor close error: %v", err)
	}
}

func statePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	return filepath.Join(home, ".scry", "watches.yaml")
}
