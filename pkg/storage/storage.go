package storage

import (
	"time"
)

// BlockStore persists the raw chain data the projectors consume: finalized
// blocks, their decoded events, and the single-row checkpoint that marks the
// last fully committed height.
type BlockStore interface {
	// InsertBlockAtHeight stores a block row. blockTime is unix milliseconds.
	InsertBlockAtHeight(height uint64, hash string, parentHash string, blockTime uint64) (*Block, error)
	InsertBlockEvents(height uint64, events []*BlockEvent) ([]*BlockEvent, error)
	GetLatestBlock() (*Block, error)
	GetBlockByHeight(height uint64) (*Block, error)

	// ListBlockEvents returns the stored events for a block ordered by
	// event_index ascending.
	ListBlockEvents(height uint64) ([]*BlockEvent, error)

	// GetCheckpoint returns the committed checkpoint, or nil when nothing
	// has been committed yet.
	GetCheckpoint() (*Checkpoint, error)

	// DeleteCorruptedState deletes raw block/event rows in the given range
	//
	// @param startBlockHeight: The block height from which to start (inclusive)
	// @param endBlockHeight: The block height at which to end (inclusive). If 0, deletes everything from startBlockHeight
	DeleteCorruptedState(startBlockHeight uint64, endBlockHeight uint64) error
}

// Tables.
type Block struct {
	Height     uint64
	Hash       string
	ParentHash string
	BlockTime  time.Time
	CreatedAt  time.Time
}

type BlockEvent struct {
	BlockHeight   uint64
	EventIndex    uint64
	Pallet        string
	EventName     string
	TransactionId string
	Args          string
	// BlockTime is denormalized from the parent block so projections can
	// stamp timestamps without a join per event.
	BlockTime time.Time
	CreatedAt time.Time
}

// Checkpoint is the single-row table recording the last block whose derived
// entities are durably committed. The state root covers the entity changes
// of that block and lets replay verify byte-identical re-application.
type Checkpoint struct {
	Id          uint64 `gorm:"primaryKey"`
	BlockHeight uint64
	BlockHash   string
	StateRoot   string
	UpdatedAt   time.Time
}

func (Checkpoint) TableName() string {
	return "indexer_checkpoints"
}

const CheckpointRowId uint64 = 1
