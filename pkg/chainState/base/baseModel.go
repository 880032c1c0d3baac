package base

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/composablefi/picasso-indexer/pkg/chainState/types"
	"github.com/composablefi/picasso-indexer/pkg/storage"
	"github.com/wealdtech/go-merkletree/v2"
	"github.com/wealdtech/go-merkletree/v2/keccak256"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type BaseChainState struct {
	Logger *zap.Logger
}

// DecodeEventArgs unmarshals the event's JSON args into out. Numbers are
// decoded as json.Number so that u128 balances survive intact. A failure is
// wrapped as a DecodeError so the dispatcher can record it and move on.
func (b *BaseChainState) DecodeEventArgs(event *storage.BlockEvent, out interface{}) error {
	decoder := json.NewDecoder(strings.NewReader(event.Args))
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		b.Logger.Sugar().Errorw("Failed to decode event args",
			zap.Error(err),
			zap.String("pallet", event.Pallet),
			zap.String("eventName", event.EventName),
			zap.Uint64("blockHeight", event.BlockHeight),
			zap.Uint64("eventIndex", event.EventIndex),
		)
		return types.NewDecodeError(event.Pallet, event.EventName, err)
	}
	return nil
}

func (b *BaseChainState) IsInterestingEvent(palletEvents map[string][]string, event *storage.BlockEvent) bool {
	if eventNames, ok := palletEvents[event.Pallet]; ok {
		if slices.Contains(eventNames, event.EventName) {
			return true
		}
	}
	return false
}

// Include the block height as the first item in the tree.
// This does two things:
// 1. Ensures that the tree is always different for different blocks
// 2. Allows us to have at least 1 value if there are no model changes for a block.
func (b *BaseChainState) InitializeMerkleTreeBaseStateWithBlock(blockHeight uint64) [][]byte {
	return [][]byte{
		append(types.MerkleLeafPrefix_StateBlock, binary.BigEndian.AppendUint64([]byte{}, blockHeight)...),
	}
}

func (b *BaseChainState) DeleteState(tableName string, startBlockHeight uint64, endBlockHeight uint64, db *gorm.DB) error {
	if endBlockHeight != 0 && endBlockHeight < startBlockHeight {
		b.Logger.Sugar().Errorw("Invalid block range",
			zap.Uint64("startBlockHeight", startBlockHeight),
			zap.Uint64("endBlockHeight", endBlockHeight),
		)
		return errors.New("Invalid block range; endBlockHeight must be greater than or equal to startBlockHeight")
	}

	// tokenizing the table name apparently doesnt work, so we need to use Sprintf to include it.
	query := fmt.Sprintf(`
		delete from %s
		where block_height >= @startBlockHeight
	`, tableName)
	if endBlockHeight > 0 {
		query += " and block_height <= @endBlockHeight"
	}
	res := db.Exec(query,
		sql.Named("startBlockHeight", startBlockHeight),
		sql.Named("endBlockHeight", endBlockHeight))
	if res.Error != nil {
		b.Logger.Sugar().Errorw("Failed to delete state", zap.Error(res.Error))
		return res.Error
	}
	return nil
}

type MerkleTreeInput struct {
	SlotID types.SlotID
	Value  []byte
}

// MerkleizeChainState creates a merkle tree from the given inputs.
//
// Each input includes a SlotID and a byte representation of the state that changed
func (b *BaseChainState) MerkleizeChainState(blockHeight uint64, inputs []*MerkleTreeInput) (*merkletree.MerkleTree, error) {
	om := orderedmap.New[types.SlotID, []byte]()

	for _, input := range inputs {
		_, found := om.Get(input.SlotID)
		if !found {
			om.Set(input.SlotID, input.Value)

			prev := om.GetPair(input.SlotID).Prev()
			if prev != nil && prev.Key > input.SlotID {
				om.Delete(input.SlotID)
				return nil, errors.New("slotIDs are not in order")
			}
		} else {
			return nil, fmt.Errorf("duplicate slotID %s", input.SlotID)
		}
	}

	leaves := b.InitializeMerkleTreeBaseStateWithBlock(blockHeight)
	for rootIndex := om.Oldest(); rootIndex != nil; rootIndex = rootIndex.Next() {
		leaves = append(leaves, encodeMerkleLeaf(rootIndex.Key, rootIndex.Value))
	}
	return merkletree.NewTree(
		merkletree.WithData(leaves),
		merkletree.WithHashType(keccak256.New()),
	)
}

func encodeMerkleLeaf(slotID types.SlotID, value []byte) []byte {
	return append(types.MerkleLeafPrefix_StateChange, append([]byte(slotID), value...)...)
}

func NewSlotID(blockHeight uint64, eventIndex uint64) types.SlotID {
	return NewSlotIDWithSuffix(blockHeight, eventIndex, "")
}

func NewSlotIDWithSuffix(blockHeight uint64, eventIndex uint64, suffix string) types.SlotID {
	baseSlotId := fmt.Sprintf("%016x_%016x", blockHeight, eventIndex)
	if suffix != "" {
		baseSlotId = fmt.Sprintf("%s_%s", baseSlotId, suffix)
	}
	return types.SlotID(baseSlotId)
}
