package types

import (
	"fmt"

	"github.com/composablefi/picasso-indexer/pkg/storage"
	"gorm.io/gorm"
)

type StateRoot string

type SlotID string

// EventKey identifies an event family for dispatch.
type EventKey struct {
	Pallet    string
	EventName string
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s.%s", k.Pallet, k.EventName)
}

type IChainStateModel interface {
	// GetModelName
	// Get the name of the model
	GetModelName() string

	// InterestingEvents
	// The (pallet, eventName) families the model projects, resolved into
	// the dispatcher registry at startup.
	InterestingEvents() map[string][]string

	// SetupStateForBlock
	// Perform any necessary setup for processing a block
	SetupStateForBlock(blockHeight uint64) error

	// CleanupProcessedStateForBlock
	// Perform any necessary cleanup for processing a block
	CleanupProcessedStateForBlock(blockHeight uint64) error

	// HandleStateChange
	// Allow the state model to handle the state change
	//
	// Returns the accumulated value. Listed as an interface because go generics suck
	HandleStateChange(event *storage.BlockEvent) (interface{}, error)

	// CommitFinalState
	// Once all events are processed, commit the final state inside the
	// block's transaction. The transaction also carries the checkpoint
	// update, so either everything for the block lands or nothing does.
	CommitFinalState(blockHeight uint64, tx *gorm.DB) error

	// GenerateStateRoot
	// Generate the state root for the model
	GenerateStateRoot(blockHeight uint64) ([]byte, error)

	// DeleteState used to delete state stored that may be incomplete or corrupted
	// to allow for reprocessing
	//
	// @param startBlockHeight the block height to start deleting state from (inclusive)
	// @param endBlockHeight the block height to end deleting state from (inclusive). If 0, delete all state from startBlockHeight
	DeleteState(startBlockHeight uint64, endBlockHeight uint64) error
}

// StateTransitions
// Map of block height to function that will transition the state to the next block.
type StateTransitions[T any] map[uint64]func(event *storage.BlockEvent) (T, error)

type MerkleLeafPrefix []byte

var (
	MerkleLeafPrefix_Block       MerkleLeafPrefix = []byte("0x00")
	MerkleLeafPrefix_BlockHash   MerkleLeafPrefix = []byte("0x01")
	MerkleLeafPrefix_StateRoot   MerkleLeafPrefix = []byte("0x02")
	MerkleLeafPrefix_StateBlock  MerkleLeafPrefix = []byte("0x03")
	MerkleLeafPrefix_StateChange MerkleLeafPrefix = []byte("0x04")
)
