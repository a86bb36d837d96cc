package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collab-engine/config"
	"collab-engine/internal/auth"
	"collab-engine/internal/bus"
	"collab-engine/internal/engine"
	"collab-engine/internal/logging"
	"collab-engine/internal/metrics"
	"collab-engine/internal/session"
	"collab-engine/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config file (YAML)")
		addr       = flag.String("addr", "", "Listen address, overrides config")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("error").Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if cfg.Server.NodeID == "" {
		cfg.Server.NodeID = uuid.New().String()
	}

	logger := logging.New(cfg.Logging.Level)
	logger = logger.With("node", cfg.Server.NodeID)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	var store storage.Store
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(cfg.Database.DSN)
		if err != nil {
			logger.Error("postgres connection failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		store = pg
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("no database configured, documents will not survive a restart")
	}

	var verifier auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	} else {
		verifier = auth.AnonymousVerifier{}
		logger.Warn("anonymous auth enabled")
	}

	engines := engine.NewRegistry(
		engine.Config{
			NodeID:           cfg.Server.NodeID,
			LogFloor:         cfg.Engine.LogFloor,
			InboxSize:        cfg.Engine.InboxSize,
			AutosaveInterval: cfg.Engine.AutosaveInterval,
			DrainGrace:       cfg.Engine.DrainGrace,
		},
		storage.WriterConfig{QueueSize: cfg.Engine.WriteQueueSize},
		store,
		bus.NewMemoryBus(),
		m,
		logger,
	)

	gateway := session.NewGateway(
		session.Config{
			OutboundQueueSize: cfg.Session.OutboundQueueSize,
			ReconnectGrace:    cfg.Session.ReconnectGrace,
			IdleTimeout:       cfg.Session.IdleTimeout,
			HeartbeatInterval: cfg.Session.HeartbeatInterval,
			MaxMessageSize:    cfg.Session.MaxMessageSize,
			AllowedOrigins:    cfg.Server.AllowedOrigins,
		},
		verifier,
		engines,
		m,
		logger,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", gateway.HandleWebSocket)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: mux,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		gateway.Shutdown(ctx)
		engines.Shutdown(ctx)
		server.Shutdown(ctx)
	}()

	logger.Info("collaboration service starting", "addr", cfg.Server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
