package stateManager

import (
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/composablefi/picasso-indexer/pkg/chainState/types"
	"github.com/composablefi/picasso-indexer/pkg/storage"
	"github.com/composablefi/picasso-indexer/pkg/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/wealdtech/go-merkletree/v2"
	"github.com/wealdtech/go-merkletree/v2/keccak256"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CallError is the diagnostic record for events the indexer could not
// project: unhandled (pallet, eventName) pairs, payloads that failed to
// decode, and events skipped under partial history. Append only; nothing
// reads it back to drive indexing.
type CallError struct {
	Id          string `gorm:"type:varchar;primaryKey"`
	Section     string
	Name        string
	Description string
	BlockHeight uint64
	EventIndex  uint64
	CreatedAt   time.Time
}

type ChainStateManager struct {
	StateModels map[int]types.IChainStateModel
	logger      *zap.Logger
	DB          *gorm.DB

	// routes maps each registered (pallet, eventName) pair to the models
	// interested in it, in model registration order. Built once by
	// ResolveRoutes after all models have registered.
	routes *orderedmap.OrderedMap[types.EventKey, []int]

	// callErrors accumulates diagnostics per block and is flushed inside
	// the block's transaction so replayed blocks never leave phantom rows.
	callErrors map[uint64][]*CallError
}

func NewChainStateManager(logger *zap.Logger, grm *gorm.DB) *ChainStateManager {
	return &ChainStateManager{
		StateModels: make(map[int]types.IChainStateModel),
		logger:      logger,
		DB:          grm,
		callErrors:  make(map[uint64][]*CallError),
	}
}

// Allows a model to register itself with the state manager.
func (c *ChainStateManager) RegisterState(model types.IChainStateModel, index int) {
	if m, ok := c.StateModels[index]; ok {
		c.logger.Sugar().Fatalf("Registering model at index %d which already exists and belongs to %s", index, m.GetModelName())
	}
	c.StateModels[index] = model
}

// ResolveRoutes builds the dispatch table from the registered models'
// interesting events. Must be called once after registration, before any
// block is processed.
func (c *ChainStateManager) ResolveRoutes() {
	routes := orderedmap.New[types.EventKey, []int]()
	for _, index := range c.GetSortedModelIndexes() {
		model := c.StateModels[index]
		for pallet, eventNames := range model.InterestingEvents() {
			for _, eventName := range eventNames {
				key := types.EventKey{Pallet: pallet, EventName: eventName}
				existing, _ := routes.Get(key)
				routes.Set(key, append(existing, index))
			}
		}
	}
	c.routes = routes
}

func (c *ChainStateManager) InitProcessingForBlock(blockHeight uint64) error {
	c.callErrors[blockHeight] = make([]*CallError, 0)
	for _, index := range c.GetSortedModelIndexes() {
		state := c.StateModels[index]
		err := state.SetupStateForBlock(blockHeight)
		if err != nil {
			return err
		}
	}
	return nil
}

// HandleEventStateChange routes a single decoded event to every model that
// registered for its (pallet, eventName). Non-fatal failures are recorded
// as call errors and the event is skipped for that model; fatal failures
// abort the block.
func (c *ChainStateManager) HandleEventStateChange(event *storage.BlockEvent) error {
	c.logger.Sugar().Debugw("Handling event state change",
		zap.Uint64("blockHeight", event.BlockHeight),
		zap.Uint64("eventIndex", event.EventIndex),
		zap.String("pallet", event.Pallet),
		zap.String("eventName", event.EventName),
	)
	key := types.EventKey{Pallet: event.Pallet, EventName: event.EventName}
	indexes, ok := c.routes.Get(key)
	if !ok {
		c.recordCallError(event, fmt.Sprintf("no handler registered for event %s", key.String()))
		return nil
	}
	for _, index := range indexes {
		state := c.StateModels[index]
		c.logger.Sugar().Debugw("Handling event for model",
			zap.String("model", state.GetModelName()),
			zap.Uint64("blockHeight", event.BlockHeight),
			zap.Uint64("eventIndex", event.EventIndex),
			zap.String("eventName", event.EventName),
		)
		_, err := state.HandleStateChange(event)
		if err != nil {
			if types.IsNonFatal(err) {
				c.recordCallError(event, err.Error())
				continue
			}
			return err
		}
	}
	return nil
}

func (c *ChainStateManager) recordCallError(event *storage.BlockEvent, description string) {
	c.logger.Sugar().Infow("Recording call error",
		zap.String("pallet", event.Pallet),
		zap.String("eventName", event.EventName),
		zap.Uint64("blockHeight", event.BlockHeight),
		zap.Uint64("eventIndex", event.EventIndex),
		zap.String("description", description),
	)
	c.callErrors[event.BlockHeight] = append(c.callErrors[event.BlockHeight], &CallError{
		Id:          uuid.New().String(),
		Section:     event.Pallet,
		Name:        event.EventName,
		Description: description,
		BlockHeight: event.BlockHeight,
		EventIndex:  event.EventIndex,
	})
}

// CallErrorCountForBlock reports how many events were recorded as call
// errors while processing the block, for metrics.
func (c *ChainStateManager) CallErrorCountForBlock(blockHeight uint64) int {
	return len(c.callErrors[blockHeight])
}

// CommitFinalState commits every model's accumulated changes, the block's
// call errors and the advanced checkpoint in a single transaction. Either
// the whole block lands or none of it does.
func (c *ChainStateManager) CommitFinalState(blockHeight uint64, blockHash string, stateRoot types.StateRoot) error {
	return c.DB.Transaction(func(tx *gorm.DB) error {
		for _, index := range c.GetSortedModelIndexes() {
			state := c.StateModels[index]
			if err := state.CommitFinalState(blockHeight, tx); err != nil {
				return err
			}
		}
		if errs := c.callErrors[blockHeight]; len(errs) > 0 {
			if res := tx.Model(&CallError{}).Create(&errs); res.Error != nil {
				return res.Error
			}
		}
		return c.writeCheckpoint(tx, blockHeight, blockHash, stateRoot)
	})
}

func (c *ChainStateManager) writeCheckpoint(tx *gorm.DB, blockHeight uint64, blockHash string, stateRoot types.StateRoot) error {
	checkpoint := &storage.Checkpoint{
		Id:          storage.CheckpointRowId,
		BlockHeight: blockHeight,
		BlockHash:   blockHash,
		StateRoot:   string(stateRoot),
		UpdatedAt:   time.Now(),
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_height", "block_hash", "state_root", "updated_at"}),
	}).Create(&checkpoint)
	return res.Error
}

func (c *ChainStateManager) CleanupProcessedStateForBlock(blockHeight uint64) error {
	delete(c.callErrors, blockHeight)
	for _, index := range c.GetSortedModelIndexes() {
		state := c.StateModels[index]
		err := state.CleanupProcessedStateForBlock(blockHeight)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *ChainStateManager) GenerateStateRoot(blockHeight uint64, blockHash string) (types.StateRoot, error) {
	sortedIndexes := c.GetSortedModelIndexes()
	roots := [][]byte{
		append(types.MerkleLeafPrefix_Block, binary.BigEndian.AppendUint64([]byte{}, blockHeight)...),
		append(types.MerkleLeafPrefix_BlockHash, common.FromHex(blockHash)...),
	}

	for _, index := range sortedIndexes {
		state := c.StateModels[index]
		leaf, err := c.encodeModelLeaf(state, blockHeight)
		if err != nil {
			return "", err
		}

		// a nil value indicates the model did not have any state changes for this block
		if leaf != nil {
			roots = append(roots, leaf)
		}
	}

	tree, err := merkletree.NewTree(
		merkletree.WithData(roots),
		merkletree.WithHashType(keccak256.New()),
	)
	if err != nil {
		return "", err
	}

	return types.StateRoot(utils.ConvertBytesToString(tree.Root())), nil
}

func (c *ChainStateManager) encodeModelLeaf(model types.IChainStateModel, blockHeight uint64) ([]byte, error) {
	root, err := model.GenerateStateRoot(blockHeight)
	if err != nil {
		return nil, err
	}
	// If there is no root returned, it means nothing meaningful happened to the model
	// during this block and should not be included in the state root.
	if root == nil {
		return nil, nil
	}
	return append(types.MerkleLeafPrefix_StateRoot, append([]byte(model.GetModelName()), root...)...), nil
}

func (c *ChainStateManager) GetSortedModelIndexes() []int {
	indexes := make([]int, 0, len(c.StateModels))
	for i := range c.StateModels {
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)
	return indexes
}

// DeleteCorruptedState deletes state stored that may be incomplete or corrupted
// to allow for reprocessing
//
// @param startBlock the block height to start deleting state from (inclusive)
// @param endBlock the block height to end deleting state from (inclusive). If 0, delete all state from startBlock.
func (c *ChainStateManager) DeleteCorruptedState(startBlock uint64, endBlock uint64) error {
	for _, index := range c.GetSortedModelIndexes() {
		state := c.StateModels[index]
		err := state.DeleteState(startBlock, endBlock)
		if err != nil {
			return err
		}
	}
	query := c.DB.Where("block_height >= ?", startBlock)
	if endBlock > 0 {
		query = query.Where("block_height <= ?", endBlock)
	}
	res := query.Delete(&CallError{})
	return res.Error
}
