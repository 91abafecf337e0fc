package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/scriptsync/tmdav/auth"
	"github.com/scriptsync/tmdav/changebus"
	"github.com/scriptsync/tmdav/config"
	"github.com/scriptsync/tmdav/davserver"
	"github.com/scriptsync/tmdav/pathmap"
	"github.com/scriptsync/tmdav/watcher"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if cfg.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	logger := slog.Default()

	checker := auth.Checker{Username: cfg.Username, Password: cfg.Password}
	if !checker.Enabled() && !cfg.NoAuthWarning {
		logger.Warn("no credentials configured; server is reachable without authentication")
	}

	mapper := pathmap.New(cfg.Path)
	bus := changebus.New(logger)
	watchMgr := watcher.New(mapper, bus, logger)
	defer watchMgr.Close()

	dav := davserver.New(mapper, bus, watchMgr, cfg.MetaTouch, cfg.OpenInEditor, logger)

	mux := http.NewServeMux()
	mux.Handle("/", checker.Middleware(dav))

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}

	// signal.Notify requires the channel to be buffered.
	ctrlc := make(chan os.Signal, 1)
	signal.Notify(ctrlc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctrlc
		server.Close()
	}()

	logger.Info("listening", "host", cfg.Host, "port", cfg.Port, "path", cfg.Path)
	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		logger.Error("server closed", "error", err)
	} else {
		logger.Info("server closed")
	}
}
