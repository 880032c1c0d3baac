package squid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/composablefi/picasso-indexer/internal/metrics/metricsTypes"
	"github.com/composablefi/picasso-indexer/pkg/fetcher"
	"go.uber.org/zap"
)

func (s *Squid) StartIndexing(ctx context.Context) {
	// Start indexing from the checkpoint (or genesis).
	// Once at tip, keep following new finalized blocks.
	if err := s.IndexFromCheckpointToTip(ctx); err != nil {
		s.Logger.Sugar().Fatalw("Failed to index from checkpoint to tip", zap.Error(err))
	}
}

type currentTip struct {
	sync.RWMutex
	CurrentTip uint64
}

func (ct *currentTip) Get() uint64 {
	ct.RLock()
	defer ct.RUnlock()
	return ct.CurrentTip
}

func (ct *currentTip) Set(tip uint64) {
	ct.Lock()
	defer ct.Unlock()
	ct.CurrentTip = tip
}

// resolveStartHeight determines where to resume. Raw rows past the committed
// checkpoint belong to blocks whose entity changes never landed; they are
// deleted so the blocks get refetched and replayed from scratch.
func (s *Squid) resolveStartHeight() (uint64, error) {
	checkpoint, err := s.Storage.GetCheckpoint()
	if err != nil {
		s.Logger.Sugar().Errorw("Failed to get checkpoint", zap.Error(err))
		return 0, err
	}

	latestBlock, err := s.Storage.GetLatestBlock()
	if err != nil {
		s.Logger.Sugar().Errorw("Failed to get latest raw block", zap.Error(err))
		return 0, err
	}

	if checkpoint == nil {
		s.Logger.Sugar().Infow("No checkpoint found, starting from genesis",
			zap.Uint64("genesisBlock", s.Config.GenesisBlockHeight),
		)
		if latestBlock != nil {
			s.Logger.Sugar().Infow("Deleting raw rows with no committed checkpoint",
				zap.Uint64("latestRawBlock", latestBlock.Height),
			)
			if err := s.StateManager.DeleteCorruptedState(s.Config.GenesisBlockHeight, 0); err != nil {
				return 0, err
			}
			if err := s.Storage.DeleteCorruptedState(s.Config.GenesisBlockHeight, 0); err != nil {
				return 0, err
			}
		}
		return s.Config.GenesisBlockHeight, nil
	}

	if latestBlock != nil && latestBlock.Height > checkpoint.BlockHeight {
		s.Logger.Sugar().Infow("Raw rows are ahead of the checkpoint, deleting corrupted state",
			zap.Uint64("checkpointHeight", checkpoint.BlockHeight),
			zap.Uint64("latestRawBlock", latestBlock.Height),
		)
		if err := s.StateManager.DeleteCorruptedState(checkpoint.BlockHeight+1, latestBlock.Height); err != nil {
			s.Logger.Sugar().Errorw("Failed to delete corrupted state", zap.Error(err))
			return 0, err
		}
		if err := s.Storage.DeleteCorruptedState(checkpoint.BlockHeight+1, latestBlock.Height); err != nil {
			s.Logger.Sugar().Errorw("Failed to delete corrupted state", zap.Error(err))
			return 0, err
		}
	}

	return checkpoint.BlockHeight + 1, nil
}

func (s *Squid) IndexFromCheckpointToTip(ctx context.Context) error {
	startHeight, err := s.resolveStartHeight()
	if err != nil {
		return err
	}

	finalizedHeight, err := s.ChainClient.GetFinalizedHeight(ctx)
	if err != nil {
		s.Logger.Sugar().Fatalw("Failed to get finalized tip", zap.Error(err))
	}

	s.Logger.Sugar().Infow("Indexing from checkpoint to tip",
		zap.Uint64("currentTip", finalizedHeight),
		zap.Uint64("startHeight", startHeight),
		zap.Uint64("difference", finalizedHeight-startHeight),
	)

	ct := currentTip{CurrentTip: finalizedHeight}

	// Every 30 seconds, check whether the finalized tip has moved while the
	// backfill is still running. If it has, extend the loop to include the
	// newly finalized blocks.
	go func() {
		for {
			time.Sleep(time.Second * 30)
			if s.shouldShutdown.Load() {
				s.Logger.Sugar().Infow("Shutting down tip listener...")
				return
			}
			latestTip, err := s.ChainClient.GetFinalizedHeight(ctx)
			if err != nil {
				s.Logger.Sugar().Errorw("Failed to get latest tip", zap.Error(err))
				continue
			}
			if latestTip > ct.Get() {
				s.Logger.Sugar().Infow("New tip found, updating",
					zap.Uint64("latestTip", latestTip),
					zap.Uint64("ct", ct.Get()),
				)
				ct.Set(latestTip)
				_ = s.MetricsSink.Gauge(metricsTypes.Metric_Gauge_ChainTipHeight, float64(latestTip), nil)
			}
		}
	}()

	// Keep some metrics during the indexing process
	blocksProcessed := 0
	runningAvg := 0
	totalDurationMs := 0
	lastBlockParsed := startHeight

	windowSize := s.prefetchWindowSize()

	// Fetch a window of blocks ahead of the apply loop so the fetch of window
	// n+1 overlaps with applying window n. Applying stays strictly sequential.
	var pending chan *windowFetchResult
	windowStart := startHeight

	for windowStart <= ct.Get() {
		if s.shouldShutdown.Load() {
			s.Logger.Sugar().Infow("Shutting down block processor")
			return nil
		}

		windowEnd := windowStart + windowSize - 1
		if tip := ct.Get(); windowEnd > tip {
			windowEnd = tip
		}

		if pending == nil {
			pending = s.fetchWindowAsync(ctx, windowStart, windowEnd)
		}
		result := <-pending
		if result.err != nil {
			s.Logger.Sugar().Errorw("Failed to fetch block window",
				zap.Uint64("windowStart", windowStart),
				zap.Uint64("windowEnd", windowEnd),
				zap.Error(result.err),
			)
			return result.err
		}

		pending = nil
		nextStart := windowEnd + 1
		if nextStart <= ct.Get() {
			nextEnd := nextStart + windowSize - 1
			if tip := ct.Get(); nextEnd > tip {
				nextEnd = tip
			}
			pending = s.fetchWindowAsync(ctx, nextStart, nextEnd)
		}

		for _, block := range result.blocks {
			if s.shouldShutdown.Load() {
				s.Logger.Sugar().Infow("Shutting down block processor")
				return nil
			}
			blockHeight := block.Block.Height

			tip := ct.Get()
			blocksRemaining := tip - blockHeight
			pctComplete := (float64(blocksProcessed) / float64(blocksProcessed+int(blocksRemaining))) * 100
			estTimeRemainingMs := runningAvg * int(blocksRemaining)
			estTimeRemainingHours := float64(estTimeRemainingMs) / 1000 / 60 / 60

			if blockHeight%10 == 0 {
				s.Logger.Sugar().Infow("Progress",
					zap.String("percentComplete", fmt.Sprintf("%.2f", pctComplete)),
					zap.Uint64("blocksRemaining", blocksRemaining),
					zap.Float64("estimatedTimeRemaining (hrs)", estTimeRemainingHours),
					zap.Float64("avgBlockProcessTime (ms)", float64(runningAvg)),
					zap.Uint64("lastBlockParsed", lastBlockParsed),
				)
			}

			startTime := time.Now()
			if err := s.runFetchedBlockWithRetries(ctx, block); err != nil {
				s.Logger.Sugar().Errorw("Failed to run pipeline for block",
					zap.Uint64("currentBlockHeight", blockHeight),
					zap.Error(err),
				)
				return err
			}

			lastBlockParsed = blockHeight
			delta := time.Since(startTime).Milliseconds()
			blocksProcessed++

			totalDurationMs += int(delta)
			runningAvg = totalDurationMs / blocksProcessed

			_ = s.MetricsSink.Gauge(metricsTypes.Metric_Gauge_IndexerLag, float64(blocksRemaining), nil)

			s.Logger.Sugar().Debugw("Processed block",
				zap.Uint64("blockHeight", blockHeight),
				zap.Int64("duration", delta),
				zap.Int("avgDuration", runningAvg),
			)
		}

		windowStart = nextStart
	}

	s.followTip(ctx, &ct, lastBlockParsed)
	return nil
}

// prefetchWindowSize is the number of blocks fetched ahead of the apply loop:
// enough for every configured batch to be in flight at once.
func (s *Squid) prefetchWindowSize() uint64 {
	batchSize := s.GlobalConfig.ChainRpcConfig.FetchBatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	inFlight := s.GlobalConfig.ChainRpcConfig.PrefetchBlocks
	if inFlight <= 0 {
		inFlight = 1
	}
	return uint64(batchSize * inFlight)
}

type windowFetchResult struct {
	blocks []*fetcher.FetchedBlock
	err    error
}

func (s *Squid) fetchWindowAsync(ctx context.Context, startHeight uint64, endHeight uint64) chan *windowFetchResult {
	out := make(chan *windowFetchResult, 1)
	go func() {
		blocks, err := s.Pipeline.Fetcher.FetchBlocksWithRetries(ctx, startHeight, endHeight)
		out <- &windowFetchResult{blocks: blocks, err: err}
	}()
	return out
}

// runBlockWithRetries re-runs a failed block a few times before giving up.
// A failed block committed nothing, so a retry starts from a clean slate.
func (s *Squid) runBlockWithRetries(ctx context.Context, blockHeight uint64) error {
	retries := []int{0, 1, 2, 4}
	var e error
	for i, r := range retries {
		if r > 0 {
			time.Sleep(time.Duration(r) * time.Second)
		}
		e = s.Pipeline.RunForBlock(ctx, blockHeight)
		if e == nil {
			if i > 0 {
				s.Logger.Sugar().Infow("Successfully processed block after retries",
					zap.Uint64("blockHeight", blockHeight),
					zap.Int("retries", i),
				)
			}
			return nil
		}
		s.Logger.Sugar().Errorw("Failed to process block, retrying",
			zap.Uint64("blockHeight", blockHeight),
			zap.Int("attempt", i+1),
			zap.Error(e),
		)
	}
	return e
}

// runFetchedBlockWithRetries is runBlockWithRetries for a block that was
// already prefetched, so a retry reuses the fetched payload.
func (s *Squid) runFetchedBlockWithRetries(ctx context.Context, block *fetcher.FetchedBlock) error {
	retries := []int{0, 1, 2, 4}
	var e error
	for i, r := range retries {
		if r > 0 {
			time.Sleep(time.Duration(r) * time.Second)
		}
		e = s.Pipeline.RunForFetchedBlock(ctx, block)
		if e == nil {
			if i > 0 {
				s.Logger.Sugar().Infow("Successfully processed block after retries",
					zap.Uint64("blockHeight", block.Block.Height),
					zap.Int("retries", i),
				)
			}
			return nil
		}
		s.Logger.Sugar().Errorw("Failed to process block, retrying",
			zap.Uint64("blockHeight", block.Block.Height),
			zap.Int("attempt", i+1),
			zap.Error(e),
		)
	}
	return e
}

// followTip keeps the indexer at the finalized tip once the backfill has
// caught up, polling for new finalized blocks.
func (s *Squid) followTip(ctx context.Context, ct *currentTip, lastProcessed uint64) {
	s.Logger.Sugar().Infow("Caught up with tip, following new finalized blocks",
		zap.Uint64("lastProcessed", lastProcessed),
	)
	for {
		if s.shouldShutdown.Load() {
			s.Logger.Sugar().Infow("Shutting down tip follower")
			return
		}

		tip := ct.Get()
		if lastProcessed >= tip {
			time.Sleep(time.Second * 6)
			continue
		}

		for i := lastProcessed + 1; i <= tip; i++ {
			if s.shouldShutdown.Load() {
				s.Logger.Sugar().Infow("Shutting down tip follower")
				return
			}
			if err := s.runBlockWithRetries(ctx, i); err != nil {
				s.Logger.Sugar().Fatalw("Failed to process block at tip",
					zap.Uint64("blockHeight", i),
					zap.Error(err),
				)
			}
			lastProcessed = i
			_ = s.MetricsSink.Gauge(metricsTypes.Metric_Gauge_IndexerLag, float64(ct.Get()-i), nil)
		}
	}
}
