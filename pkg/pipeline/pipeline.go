package pipeline

import (
	"context"
	"time"

	"github.com/composablefi/picasso-indexer/internal/metrics"
	"github.com/composablefi/picasso-indexer/internal/metrics/metricsTypes"
	"github.com/composablefi/picasso-indexer/pkg/chainState/stateManager"
	"github.com/composablefi/picasso-indexer/pkg/fetcher"
	"github.com/composablefi/picasso-indexer/pkg/indexer"
	"github.com/composablefi/picasso-indexer/pkg/lockedValue"
	"github.com/composablefi/picasso-indexer/pkg/storage"
	"go.uber.org/zap"
)

type Pipeline struct {
	Fetcher               *fetcher.Fetcher
	Indexer               *indexer.Indexer
	BlockStore            storage.BlockStore
	Logger                *zap.Logger
	stateManager          *stateManager.ChainStateManager
	lockedValueCalculator *lockedValue.Calculator
	metricsSink           *metrics.MetricsSink
}

func NewPipeline(
	f *fetcher.Fetcher,
	i *indexer.Indexer,
	bs storage.BlockStore,
	sm *stateManager.ChainStateManager,
	lvc *lockedValue.Calculator,
	ms *metrics.MetricsSink,
	l *zap.Logger,
) *Pipeline {
	return &Pipeline{
		Fetcher:               f,
		Indexer:               i,
		Logger:                l,
		stateManager:          sm,
		lockedValueCalculator: lvc,
		metricsSink:           ms,
		BlockStore:            bs,
	}
}

// RunForBlock fetches and processes a single block. Blocks at or below the
// checkpoint were already committed and are skipped without refetching.
func (p *Pipeline) RunForBlock(ctx context.Context, blockHeight uint64) error {
	checkpoint, err := p.BlockStore.GetCheckpoint()
	if err != nil {
		return err
	}
	if checkpoint != nil && blockHeight <= checkpoint.BlockHeight {
		p.Logger.Sugar().Infow("Block already committed, skipping",
			zap.Uint64("blockHeight", blockHeight),
			zap.Uint64("checkpointHeight", checkpoint.BlockHeight),
		)
		_ = p.metricsSink.Incr(metricsTypes.Metric_Incr_BlocksSkipped, nil, 1)
		return nil
	}

	block, err := p.Fetcher.FetchBlock(ctx, blockHeight)
	if err != nil {
		p.Logger.Sugar().Errorw("Failed to fetch block", zap.Uint64("blockHeight", blockHeight), zap.Error(err))
		return err
	}

	return p.RunForFetchedBlock(ctx, block)
}

// RunForFetchedBlock persists the raw block and events, routes each event
// through the registered models in on-chain order, and commits every derived
// change together with the advanced checkpoint in one transaction.
func (p *Pipeline) RunForFetchedBlock(ctx context.Context, block *fetcher.FetchedBlock) error {
	blockHeight := block.Block.Height
	p.Logger.Sugar().Debugw("Running pipeline for block", zap.Uint64("blockHeight", blockHeight))

	totalRunTime := time.Now()
	phaseTime := time.Now()

	indexedBlock, found, err := p.Indexer.IndexFetchedBlock(block)
	if err != nil {
		p.Logger.Sugar().Errorw("Failed to index block", zap.Uint64("blockHeight", blockHeight), zap.Error(err))
		return err
	}
	if found {
		p.Logger.Sugar().Infow("Block already indexed", zap.Uint64("blockHeight", blockHeight))
	}
	p.Logger.Sugar().Debugw("Indexed block",
		zap.Uint64("blockHeight", blockHeight),
		zap.Int64("indexTime", time.Since(phaseTime).Milliseconds()),
	)

	phaseTime = time.Now()
	events, err := p.Indexer.IndexBlockEvents(indexedBlock, block)
	if err != nil {
		p.Logger.Sugar().Errorw("Failed to index block events", zap.Uint64("blockHeight", blockHeight), zap.Error(err))
		return err
	}
	p.Logger.Sugar().Debugw("Indexed block events",
		zap.Uint64("blockHeight", blockHeight),
		zap.Int("count", len(events)),
		zap.Int64("indexTime", time.Since(phaseTime).Milliseconds()),
	)

	if err := p.stateManager.InitProcessingForBlock(blockHeight); err != nil {
		p.Logger.Sugar().Errorw("Failed to init processing for block", zap.Uint64("blockHeight", blockHeight), zap.Error(err))
		return err
	}

	phaseTime = time.Now()
	for _, event := range events {
		if err := p.stateManager.HandleEventStateChange(event); err != nil {
			p.Logger.Sugar().Errorw("Failed to handle event state change",
				zap.Uint64("blockHeight", blockHeight),
				zap.Uint64("eventIndex", event.EventIndex),
				zap.String("pallet", event.Pallet),
				zap.String("eventName", event.EventName),
				zap.Error(err),
			)
			return err
		}
		_ = p.metricsSink.Incr(metricsTypes.Metric_Incr_EventsProcessed, []metricsTypes.MetricsLabel{
			{Name: "pallet", Value: event.Pallet},
		}, 1)
	}
	p.Logger.Sugar().Debugw("Handled all event state changes",
		zap.Uint64("blockHeight", blockHeight),
		zap.Int("count", len(events)),
		zap.Int64("indexTime", time.Since(phaseTime).Milliseconds()),
	)

	phaseTime = time.Now()
	stateRoot, err := p.stateManager.GenerateStateRoot(blockHeight, indexedBlock.Hash)
	if err != nil {
		p.Logger.Sugar().Errorw("Failed to generate state root", zap.Uint64("blockHeight", blockHeight), zap.Error(err))
		return err
	}
	p.Logger.Sugar().Debugw("Generated state root", zap.Duration("indexTime", time.Since(phaseTime)))

	phaseTime = time.Now()
	if err := p.stateManager.CommitFinalState(blockHeight, indexedBlock.Hash, stateRoot); err != nil {
		p.Logger.Sugar().Errorw("Failed to commit final state", zap.Uint64("blockHeight", blockHeight), zap.Error(err))
		return err
	}
	p.Logger.Sugar().Debugw("Committed final state", zap.Uint64("blockHeight", blockHeight), zap.Duration("indexTime", time.Since(phaseTime)))

	if callErrors := p.stateManager.CallErrorCountForBlock(blockHeight); callErrors > 0 {
		_ = p.metricsSink.Incr(metricsTypes.Metric_Incr_CallErrors, []metricsTypes.MetricsLabel{
			{Name: "section", Value: "all"},
		}, float64(callErrors))
	}

	phaseTime = time.Now()
	if err := p.lockedValueCalculator.RefreshForBlock(blockHeight, indexedBlock.BlockTime); err != nil {
		p.Logger.Sugar().Errorw("Failed to refresh locked values", zap.Uint64("blockHeight", blockHeight), zap.Error(err))
		return err
	}
	_ = p.metricsSink.Timing(metricsTypes.Metric_Timing_LockedValueDuration, time.Since(phaseTime), nil)

	_ = p.metricsSink.Incr(metricsTypes.Metric_Incr_BlockProcessed, nil, 1)
	_ = p.metricsSink.Gauge(metricsTypes.Metric_Gauge_LastProcessedBlockHeight, float64(blockHeight), nil)
	_ = p.metricsSink.Timing(metricsTypes.Metric_Timing_BlockProcessDuration, time.Since(totalRunTime), nil)

	p.Logger.Sugar().Debugw("Finished processing block",
		zap.Uint64("blockHeight", blockHeight),
		zap.Int64("totalTime", time.Since(totalRunTime).Milliseconds()),
	)

	// Push cleanup to the background since it doesnt need to be blocking
	go func() {
		_ = p.stateManager.CleanupProcessedStateForBlock(blockHeight)
	}()

	return nil
}
