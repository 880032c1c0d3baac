package indexer

import (
	"slices"

	"github.com/composablefi/picasso-indexer/internal/config"
	"github.com/composablefi/picasso-indexer/pkg/fetcher"
	"github.com/composablefi/picasso-indexer/pkg/storage"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Indexer persists fetched blocks and their decoded events as raw rows, the
// durable input the projection pipeline replays from.
type Indexer struct {
	Logger       *zap.Logger
	BlockStore   storage.BlockStore
	globalConfig *config.Config
}

func NewIndexer(
	bs storage.BlockStore,
	cfg *config.Config,
	l *zap.Logger,
) *Indexer {
	return &Indexer{
		Logger:       l,
		BlockStore:   bs,
		globalConfig: cfg,
	}
}

// IndexFetchedBlock stores the block row. The second return value reports
// whether the block was already present, which happens when resuming.
func (idx *Indexer) IndexFetchedBlock(fetchedBlock *fetcher.FetchedBlock) (*storage.Block, bool, error) {
	height := fetchedBlock.Block.Height

	existing, err := idx.BlockStore.GetBlockByHeight(height)
	if err != nil {
		idx.Logger.Sugar().Errorw("Failed to get block by height", zap.Uint64("blockHeight", height), zap.Error(err))
		return nil, false, err
	}
	if existing != nil {
		if existing.Hash != fetchedBlock.Block.Hash {
			// A different hash at an already stored height means the stored
			// suffix is stale; the caller has to delete and refetch.
			return nil, true, errors.Errorf("block %d already stored with different hash %s", height, existing.Hash)
		}
		return existing, true, nil
	}

	block, err := idx.BlockStore.InsertBlockAtHeight(
		height,
		fetchedBlock.Block.Hash,
		fetchedBlock.Block.ParentHash,
		fetchedBlock.Block.Timestamp,
	)
	if err != nil {
		idx.Logger.Sugar().Errorw("Failed to insert block at height", zap.Uint64("blockHeight", height), zap.Error(err))
		return nil, false, err
	}
	return block, false, nil
}

// IndexBlockEvents stores the block's decoded events and returns them ordered
// by event index.
func (idx *Indexer) IndexBlockEvents(block *storage.Block, fetchedBlock *fetcher.FetchedBlock) ([]*storage.BlockEvent, error) {
	events := make([]*storage.BlockEvent, 0, len(fetchedBlock.Block.Events))
	for _, event := range fetchedBlock.Block.Events {
		events = append(events, &storage.BlockEvent{
			BlockHeight:   block.Height,
			EventIndex:    event.EventIndex,
			Pallet:        event.Pallet,
			EventName:     event.EventName,
			TransactionId: event.TransactionId,
			Args:          string(event.Args),
			BlockTime:     block.BlockTime,
		})
	}

	slices.SortFunc(events, func(i, j *storage.BlockEvent) int {
		return int(i.EventIndex) - int(j.EventIndex)
	})

	if len(events) == 0 {
		return events, nil
	}

	inserted, err := idx.BlockStore.InsertBlockEvents(block.Height, events)
	if err != nil {
		idx.Logger.Sugar().Errorw("Failed to insert block events",
			zap.Uint64("blockHeight", block.Height),
			zap.Int("count", len(events)),
			zap.Error(err),
		)
		return nil, err
	}
	return inserted, nil
}
