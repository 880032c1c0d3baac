package squid

import (
	"context"
	"sync/atomic"

	"github.com/composablefi/picasso-indexer/internal/config"
	"github.com/composablefi/picasso-indexer/internal/metrics"
	"github.com/composablefi/picasso-indexer/pkg/chainState/stateManager"
	"github.com/composablefi/picasso-indexer/pkg/clients/picasso"
	"github.com/composablefi/picasso-indexer/pkg/pipeline"
	"github.com/composablefi/picasso-indexer/pkg/storage"
	"go.uber.org/zap"
)

type SquidConfig struct {
	GenesisBlockHeight uint64
}

// Squid drives the whole indexer: it resumes from the committed checkpoint,
// discards any raw rows past it, catches up to the finalized tip and then
// follows it.
type Squid struct {
	Logger         *zap.Logger
	Config         *SquidConfig
	GlobalConfig   *config.Config
	Storage        storage.BlockStore
	Pipeline       *pipeline.Pipeline
	ChainClient    *picasso.Client
	StateManager   *stateManager.ChainStateManager
	MetricsSink    *metrics.MetricsSink
	ShutdownChan   chan bool
	shouldShutdown *atomic.Bool
}

func NewSquid(
	cfg *SquidConfig,
	gCfg *config.Config,
	s storage.BlockStore,
	p *pipeline.Pipeline,
	sm *stateManager.ChainStateManager,
	ms *metrics.MetricsSink,
	l *zap.Logger,
	chainClient *picasso.Client,
) *Squid {
	shouldShutdown := &atomic.Bool{}
	shouldShutdown.Store(false)
	return &Squid{
		Logger:         l,
		Config:         cfg,
		GlobalConfig:   gCfg,
		Storage:        s,
		Pipeline:       p,
		ChainClient:    chainClient,
		StateManager:   sm,
		MetricsSink:    ms,
		ShutdownChan:   make(chan bool),
		shouldShutdown: shouldShutdown,
	}
}

func (s *Squid) Start(ctx context.Context) {
	s.Logger.Info("Starting squid")

	// Spin up a goroutine that listens on a channel for a shutdown signal.
	// When the signal is received, set shouldShutdown to true and return.
	go func() {
		for range s.ShutdownChan {
			s.Logger.Sugar().Infow("Received shutdown signal")
			s.shouldShutdown.Store(true)
		}
	}()

	s.StartIndexing(ctx)
}
