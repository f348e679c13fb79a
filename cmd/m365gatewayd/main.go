// Command m365gatewayd is the process entry point: it decodes and validates
// the configuration snapshot, constructs every component (C1-C7) in
// dependency order, and runs until signaled to stop (construct backend ->
// construct transport/session layer -> serve).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/localmail/m365gateway/internal/config"
	"github.com/localmail/m365gateway/internal/graphclient"
	"github.com/localmail/m365gateway/internal/listener"
	"github.com/localmail/m365gateway/internal/mlog"
	"github.com/localmail/m365gateway/internal/pop3server"
	"github.com/localmail/m365gateway/internal/queue"
	"github.com/localmail/m365gateway/internal/reach"
	"github.com/localmail/m365gateway/internal/smtpserver"
	"github.com/localmail/m365gateway/internal/tokenstore"
)

func main() {
	defaultConfig := "/etc/m365gateway/config.json"
	if env := os.Getenv("M365_PROXY_CONFIG_FILE"); env != "" {
		defaultConfig = env
	}
	configPath := flag.String("config", defaultConfig, "path to the configuration snapshot (defaults to $M365_PROXY_CONFIG_FILE when set)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "m365gatewayd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logWriter := os.Stderr
	if cfg.LogPath != "" {
		f, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logWriter = f
	}
	level := mlog.ParseLevel(cfg.LogLevel)
	log := mlog.New(logWriter, "main", level)
	log.Infof("starting m365gatewayd for %s", cfg.UpstreamUserPrincipal)

	store, err := tokenstore.Open(cfg.TokenFile, cfg.UpstreamUserPrincipal)
	if err != nil {
		return fmt.Errorf("open token store: %w", err)
	}

	graphLog := mlog.New(logWriter, "graph", level)
	graph, err := graphclient.New(cfg, store, graphLog)
	if err != nil {
		return fmt.Errorf("build graph client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := graph.EnsureToken(ctx, func(verificationURI, userCode string, expiresIn time.Duration) {
		fmt.Fprintf(os.Stdout, "To authorize this gateway, visit %s and enter code %s (expires in %s)\n",
			verificationURI, userCode, expiresIn)
	}); err != nil {
		return fmt.Errorf("initial device-code login: %w", err)
	}

	watcherLog := mlog.New(logWriter, "reach", level)
	watcher := reach.New(&http.Client{}, watcherLog)
	go watcher.Run(ctx)

	q, err := queue.Open(cfg.QueueDir)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	queueLog := mlog.New(logWriter, "queue", level)
	flusher := queue.NewFlusher(q, graph, watcher, queueLog)
	go flusher.Run(ctx)

	smtpLog := mlog.New(logWriter, "smtp", level)
	smtpBackend := &smtpserver.Backend{
		Config:  cfg,
		Graph:   graph,
		Watcher: watcher,
		Queue:   q,
		Flusher: flusher,
		Log:     smtpLog,
	}
	requireTLSFromStart := cfg.Ports.SMTPS != 0 && cfg.Ports.SMTP == 0
	smtpSrv, err := smtpserver.NewServer(cfg, smtpBackend, requireTLSFromStart)
	if err != nil {
		return fmt.Errorf("build smtp server: %w", err)
	}

	pop3Log := mlog.New(logWriter, "pop3", level)
	pop3Backend := &pop3server.Backend{Config: cfg, Graph: graph, Log: pop3Log}
	pop3Srv, err := pop3server.NewServer(cfg, pop3Backend)
	if err != nil {
		return fmt.Errorf("build pop3 server: %w", err)
	}

	listenerLog := mlog.New(logWriter, "listener", level)
	supervisor := listener.New(cfg, smtpSrv, pop3Srv, listenerLog)
	err = supervisor.Run(ctx)
	log.Infof("m365gatewayd stopped")
	return err
}

func loadConfig(path string) (*config.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg config.Snapshot
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config json: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}
