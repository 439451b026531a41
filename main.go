package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unitylab/unity-coordinator/internal/broker"
	"github.com/unitylab/unity-coordinator/internal/config"
	"github.com/unitylab/unity-coordinator/internal/embeddings"
	"github.com/unitylab/unity-coordinator/internal/history"
	"github.com/unitylab/unity-coordinator/internal/httpapi"
	"github.com/unitylab/unity-coordinator/internal/memory"
	"github.com/unitylab/unity-coordinator/internal/router"
	"github.com/unitylab/unity-coordinator/internal/vectorstore"
	"github.com/unitylab/unity-coordinator/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger := buildLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting unity coordinator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := broker.New(cfg.Broker, logger)
	if err != nil {
		logger.Fatal("Broker connection failed", zap.Error(err))
	}
	defer b.Close()

	// Embeddings: remote service when configured, deterministic local
	// fallback otherwise.
	var embedder embeddings.Provider
	if cfg.Embeddings.BaseURL != "" {
		cache := embeddings.NewCache(b, cfg.Embeddings.CacheTTL, logger)
		embedder = embeddings.NewService(cfg.Embeddings, cache, logger)
	} else {
		logger.Warn("No embedding service configured, using local provider")
		embedder = embeddings.NewLocalProvider(cfg.Embeddings.Dimensions)
	}

	rt := router.New(cfg.Router, b, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Fatal("Router start failed", zap.Error(err))
	}
	defer rt.Shutdown()

	federation := memory.NewFederation(func(officeID string) (*memory.Graph, error) {
		store, err := buildVectorStore(cfg, officeID, logger)
		if err != nil {
			return nil, err
		}
		return memory.NewGraph(cfg.Memory, store, embedder, b, logger.With(zap.String("office", officeID))), nil
	}, logger)
	defer federation.Close()

	// The system office holds workflow summaries and other coordinator
	// owned memories.
	if err := federation.RegisterOffice(ctx, "system", "coordinator", []string{"workflow_summaries"}); err != nil {
		logger.Fatal("System memory graph failed", zap.Error(err))
	}

	engine := workflow.NewEngine(openHistory(cfg, logger), federation.Graph("system"), logger)

	if path := cfg.Workflow.TemplatesPath; path != "" {
		if tpls, err := workflow.LoadTemplates(path); err != nil {
			logger.Warn("Workflow templates not loaded", zap.String("path", path), zap.Error(err))
		} else {
			engine.RegisterTemplates(tpls)
			logger.Info("Workflow templates registered", zap.Int("count", len(tpls)))
		}
	}

	admin := httpapi.NewAdminServer(cfg.Admin.Port, rt, engine, b, logger)
	admin.Start()

	watcher := config.NewWatcher(configPath(), logger)
	watcher.OnReload(func(next *config.Config) {
		logger.Info("Applying reloaded tunables",
			zap.Duration("heartbeat_interval", next.Router.HeartbeatInterval),
			zap.Duration("sweep_interval", next.Memory.SweepInterval),
			zap.Int("max_queue_size", next.Router.MaxQueueSize),
		)
		rt.SetHeartbeatInterval(next.Router.HeartbeatInterval)
		rt.SetQueueLimit(next.Router.MaxQueueSize)
		federation.SetSweepInterval(next.Memory.SweepInterval)
	})
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	logger.Info("Coordinator ready",
		zap.String("broker", cfg.Broker.Addr),
		zap.Int("admin_port", cfg.Admin.Port),
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := admin.Stop(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown failed", zap.Error(err))
	}
}

func buildLogger(cfg *config.Config) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if cfg.Logging.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(cfg.Logging.Level); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		panic("failed to build logger: " + err.Error())
	}
	return logger
}

func buildVectorStore(cfg *config.Config, officeID string, logger *zap.Logger) (vectorstore.Store, error) {
	if cfg.VectorStore.Backend == "qdrant" {
		qcfg := cfg.VectorStore.Qdrant
		qcfg.Collection = qcfg.Collection + "_" + officeID
		return vectorstore.NewQdrant(qcfg, logger), nil
	}
	return vectorstore.NewMemory(), nil
}

func openHistory(cfg *config.Config, logger *zap.Logger) *history.Store {
	store, err := history.Open(cfg.History.Driver, cfg.History.DSN, logger)
	if err != nil {
		logger.Warn("Workflow history unavailable", zap.Error(err))
		return nil
	}
	return store
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "./config/coordinator.yaml"
}
