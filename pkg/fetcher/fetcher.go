package fetcher

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/composablefi/picasso-indexer/internal/config"
	"github.com/composablefi/picasso-indexer/pkg/clients/picasso"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Fetcher struct {
	ChainClient *picasso.Client
	Logger      *zap.Logger
	Config      *config.Config
}

func NewFetcher(chainClient *picasso.Client, cfg *config.Config, l *zap.Logger) *Fetcher {
	return &Fetcher{
		ChainClient: chainClient,
		Logger:      l,
		Config:      cfg,
	}
}

type FetchedBlock struct {
	Block *picasso.DecodedBlock
}

func (f *Fetcher) FetchBlock(ctx context.Context, blockHeight uint64) (*FetchedBlock, error) {
	block, err := f.ChainClient.GetBlockByHeight(ctx, blockHeight)
	if err != nil {
		f.Logger.Sugar().Errorw("failed to get block by height", zap.Error(err))
		return nil, err
	}

	return &FetchedBlock{
		Block: block,
	}, nil
}

func (f *Fetcher) FetchBlocksWithRetries(ctx context.Context, startBlockInclusive uint64, endBlockInclusive uint64) ([]*FetchedBlock, error) {
	retries := []int{1, 2, 4, 8, 16, 32, 64}
	var e error
	for i, r := range retries {
		fetchedBlocks, err := f.FetchBlocks(ctx, startBlockInclusive, endBlockInclusive)
		if err == nil {
			if i > 0 {
				f.Logger.Sugar().Infow("successfully fetched blocks for range after retries",
					zap.Uint64("startBlock", startBlockInclusive),
					zap.Uint64("endBlock", endBlockInclusive),
					zap.Int("retries", i),
				)
			}
			return fetchedBlocks, nil
		}
		e = err
		f.Logger.Sugar().Infow("failed to fetch blocks for range",
			zap.Uint64("startBlock", startBlockInclusive),
			zap.Uint64("endBlock", endBlockInclusive),
			zap.Int("sleepTime", r),
		)

		time.Sleep(time.Duration(r) * time.Second)
	}
	f.Logger.Sugar().Errorw("failed to fetch blocks for range, exhausted all retries",
		zap.Uint64("startBlock", startBlockInclusive),
		zap.Uint64("endBlock", endBlockInclusive),
		zap.Error(e),
	)
	return nil, e
}

// FetchBlocks fetches the range in batch-sized chunks, with at most
// PrefetchBlocks chunks in flight at a time.
func (f *Fetcher) FetchBlocks(ctx context.Context, startBlockInclusive uint64, endBlockInclusive uint64) ([]*FetchedBlock, error) {
	blockHeights := make([]uint64, 0)
	for i := startBlockInclusive; i <= endBlockInclusive; i++ {
		blockHeights = append(blockHeights, i)
	}

	if len(blockHeights) == 0 {
		return []*FetchedBlock{}, nil
	}

	batchSize := f.Config.ChainRpcConfig.FetchBatchSize
	if batchSize <= 0 {
		batchSize = len(blockHeights)
	}
	maxInFlight := f.Config.ChainRpcConfig.PrefetchBlocks
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	chunks := make([][]uint64, 0)
	for currentIndex := 0; currentIndex < len(blockHeights); currentIndex += batchSize {
		endIndex := currentIndex + batchSize
		if endIndex > len(blockHeights) {
			endIndex = len(blockHeights)
		}
		chunks = append(chunks, blockHeights[currentIndex:endIndex])
	}

	pool := pond.NewPool(maxInFlight)
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	mu := sync.Mutex{}
	fetchedBlocks := make([]*FetchedBlock, 0, len(blockHeights))

	for _, chunk := range chunks {
		currentChunk := chunk
		group.SubmitErr(func() error {
			blocks, err := f.ChainClient.GetBlocksByHeights(groupCtx, currentChunk)
			if err != nil {
				f.Logger.Sugar().Errorw("failed to fetch block chunk",
					zap.Uint64("chunkStart", currentChunk[0]),
					zap.Uint64("chunkEnd", currentChunk[len(currentChunk)-1]),
					zap.Error(err),
				)
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, block := range blocks {
				fetchedBlocks = append(fetchedBlocks, &FetchedBlock{Block: block})
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	if len(fetchedBlocks) != len(blockHeights) {
		f.Logger.Sugar().Errorw("failed to fetch all blocks",
			zap.Int("fetched", len(fetchedBlocks)),
			zap.Int("expected", len(blockHeights)),
		)
		return nil, errors.New("failed to fetch all blocks")
	}

	// ensure blocks are sorted ascending
	slices.SortFunc(fetchedBlocks, func(i, j *FetchedBlock) int {
		return int(i.Block.Height - j.Block.Height)
	})

	f.Logger.Sugar().Debugw("Fetched blocks",
		zap.Int("count", len(fetchedBlocks)),
		zap.Uint64("startBlock", startBlockInclusive),
		zap.Uint64("endBlock", endBlockInclusive),
	)

	return fetchedBlocks, nil
}
