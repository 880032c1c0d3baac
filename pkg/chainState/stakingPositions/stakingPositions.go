package stakingPositions

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/composablefi/picasso-indexer/internal/config"
	"github.com/composablefi/picasso-indexer/pkg/chainState/base"
	"github.com/composablefi/picasso-indexer/pkg/chainState/stateManager"
	"github.com/composablefi/picasso-indexer/pkg/chainState/types"
	"github.com/composablefi/picasso-indexer/pkg/storage"
	"github.com/composablefi/picasso-indexer/pkg/types/numbers"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StakingPosition is the lifecycle of a single stake. EndTimestamp is nil
// while the position is open; only Unstaked closes it, and a renewal reopens
// it. The lock duration is informational and kept in its own column.
type StakingPosition struct {
	PositionId     string `gorm:"type:varchar;primaryKey"`
	Owner          string
	AssetId        string
	Amount         string
	Source         string
	Duration       uint64
	StartTimestamp time.Time
	EndTimestamp   *time.Time
	BlockHeight    uint64
}

const (
	changeType_Staked       = "staked"
	changeType_StakeRenewed = "stakeRenewed"
	changeType_Unstaked     = "unstaked"
)

type StakingPositionStateChange struct {
	ChangeType      string
	PositionId      string
	Owner           string
	AssetId         string
	Amount          string
	DurationSeconds uint64
	BlockHeight     uint64
	EventIndex      uint64
	BlockTime       time.Time
}

// Projection of stakingRewards position events that implements IChainStateModel.
type StakingPositionsModel struct {
	base.BaseChainState
	StateTransitions types.StateTransitions[StakingPositionStateChange]
	DB               *gorm.DB
	logger           *zap.Logger
	globalConfig     *config.Config

	stateAccumulator map[uint64][]*StakingPositionStateChange
}

func NewStakingPositionsModel(
	csm *stateManager.ChainStateManager,
	grm *gorm.DB,
	logger *zap.Logger,
	globalConfig *config.Config,
) (*StakingPositionsModel, error) {
	s := &StakingPositionsModel{
		BaseChainState: base.BaseChainState{
			Logger: logger,
		},
		DB:           grm,
		logger:       logger,
		globalConfig: globalConfig,

		stateAccumulator: make(map[uint64][]*StakingPositionStateChange),
	}
	csm.RegisterState(s, 2)
	return s, nil
}

func (s *StakingPositionsModel) GetModelName() string {
	return "StakingPositionsModel"
}

func (s *StakingPositionsModel) InterestingEvents() map[string][]string {
	return map[string][]string{
		"stakingRewards": {
			"Staked",
			"StakeRenewed",
			"Unstaked",
		},
	}
}

type stakedArgs struct {
	PositionId json.Number `json:"positionId"`
	Owner      string      `json:"owner"`
	AssetId    json.Number `json:"assetId"`
	Amount     json.Number `json:"amount"`
	Duration   json.Number `json:"duration"`
}

type stakeRenewedArgs struct {
	PositionId json.Number `json:"positionId"`
	Amount     json.Number `json:"amount"`
	Duration   json.Number `json:"duration"`
}

type unstakedArgs struct {
	PositionId json.Number `json:"positionId"`
	Owner      string      `json:"owner"`
}

func (s *StakingPositionsModel) GetStateTransitions() (types.StateTransitions[*StakingPositionStateChange], []uint64) {
	stateChanges := make(types.StateTransitions[*StakingPositionStateChange])

	stateChanges[0] = func(event *storage.BlockEvent) (*StakingPositionStateChange, error) {
		if _, ok := s.stateAccumulator[event.BlockHeight]; !ok {
			return nil, xerrors.Errorf("No state accumulator found for block %d", event.BlockHeight)
		}

		change := &StakingPositionStateChange{
			BlockHeight: event.BlockHeight,
			EventIndex:  event.EventIndex,
			BlockTime:   event.BlockTime,
		}

		switch event.EventName {
		case "Staked":
			args := &stakedArgs{}
			if err := s.DecodeEventArgs(event, args); err != nil {
				return nil, err
			}
			if args.PositionId == "" || args.Owner == "" || args.Amount == "" {
				return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("missing required fields"))
			}
			change.ChangeType = changeType_Staked
			change.PositionId = args.PositionId.String()
			change.Owner = args.Owner
			change.AssetId = args.AssetId.String()
			change.Amount = args.Amount.String()
			if args.Duration != "" {
				duration, err := args.Duration.Int64()
				if err != nil || duration < 0 {
					return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("invalid duration %s", args.Duration))
				}
				change.DurationSeconds = uint64(duration)
			}
		case "StakeRenewed":
			args := &stakeRenewedArgs{}
			if err := s.DecodeEventArgs(event, args); err != nil {
				return nil, err
			}
			if args.PositionId == "" {
				return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("missing required fields"))
			}
			if err := s.checkPositionKnown(event, args.PositionId.String()); err != nil {
				return nil, err
			}
			change.ChangeType = changeType_StakeRenewed
			change.PositionId = args.PositionId.String()
			change.Amount = args.Amount.String()
			if args.Duration != "" {
				duration, err := args.Duration.Int64()
				if err != nil || duration < 0 {
					return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("invalid duration %s", args.Duration))
				}
				change.DurationSeconds = uint64(duration)
			}
		case "Unstaked":
			args := &unstakedArgs{}
			if err := s.DecodeEventArgs(event, args); err != nil {
				return nil, err
			}
			if args.PositionId == "" {
				return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("missing required fields"))
			}
			if err := s.checkPositionKnown(event, args.PositionId.String()); err != nil {
				return nil, err
			}
			change.ChangeType = changeType_Unstaked
			change.PositionId = args.PositionId.String()
			change.Owner = args.Owner
		default:
			return nil, nil
		}

		s.stateAccumulator[event.BlockHeight] = append(s.stateAccumulator[event.BlockHeight], change)
		return change, nil
	}

	blockHeights := make([]uint64, 0)
	for blockHeight := range stateChanges {
		blockHeights = append(blockHeights, blockHeight)
	}
	sort.Slice(blockHeights, func(i, j int) bool {
		return blockHeights[i] < blockHeights[j]
	})
	slices.Reverse(blockHeights)

	return stateChanges, blockHeights
}

func (s *StakingPositionsModel) SetupStateForBlock(blockHeight uint64) error {
	s.stateAccumulator[blockHeight] = make([]*StakingPositionStateChange, 0)
	return nil
}

func (s *StakingPositionsModel) CleanupProcessedStateForBlock(blockHeight uint64) error {
	delete(s.stateAccumulator, blockHeight)
	return nil
}

func (s *StakingPositionsModel) HandleStateChange(event *storage.BlockEvent) (interface{}, error) {
	stateChanges, sortedBlockHeights := s.GetStateTransitions()

	for _, blockHeight := range sortedBlockHeights {
		if event.BlockHeight >= blockHeight {
			change, err := stateChanges[blockHeight](event)
			if err != nil {
				return nil, err
			}

			if change == nil {
				return nil, nil
			}
			return change, nil
		}
	}
	return nil, nil
}

func (s *StakingPositionsModel) prepareState(blockHeight uint64) ([]*StakingPositionStateChange, error) {
	accumulatedState, ok := s.stateAccumulator[blockHeight]
	if !ok {
		err := xerrors.Errorf("No accumulated state found for block %d", blockHeight)
		s.logger.Sugar().Errorw(err.Error(), zap.Error(err), zap.Uint64("blockHeight", blockHeight))
		return nil, err
	}
	return accumulatedState, nil
}

func (s *StakingPositionsModel) CommitFinalState(blockHeight uint64, tx *gorm.DB) error {
	changes, err := s.prepareState(blockHeight)
	if err != nil {
		return err
	}

	for _, change := range changes {
		switch change.ChangeType {
		case changeType_Staked:
			if err := s.applyStaked(tx, change); err != nil {
				return err
			}
		case changeType_StakeRenewed:
			if err := s.applyStakeRenewed(tx, change); err != nil {
				return err
			}
		case changeType_Unstaked:
			if err := s.applyUnstaked(tx, change); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *StakingPositionsModel) applyStaked(tx *gorm.DB, change *StakingPositionStateChange) error {
	position := &StakingPosition{
		PositionId:     change.PositionId,
		Owner:          change.Owner,
		AssetId:        change.AssetId,
		Amount:         change.Amount,
		Source:         "stakingRewards",
		Duration:       change.DurationSeconds,
		StartTimestamp: change.BlockTime,
		BlockHeight:    change.BlockHeight,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "position_id"}},
		DoNothing: true,
	}).Create(&position)
	return res.Error
}

// checkPositionKnown resolves a referenced position against committed state
// and the current block's accumulated Staked changes. The check runs at
// dispatch time so a miss under partial history surfaces as a skippable
// error instead of aborting the block's commit. When the chain has full
// history a missing position is a hard consistency failure.
func (s *StakingPositionsModel) checkPositionKnown(event *storage.BlockEvent, positionId string) error {
	for _, pending := range s.stateAccumulator[event.BlockHeight] {
		if pending.ChangeType == changeType_Staked && pending.PositionId == positionId {
			return nil
		}
	}

	var count int64
	res := s.DB.Model(&StakingPosition{}).Where("position_id = ?", positionId).Count(&count)
	if res.Error != nil {
		return res.Error
	}
	if count > 0 {
		return nil
	}

	if s.globalConfig.HasPartialHistory() {
		return types.NewSkippedEventError(event.Pallet, event.EventName,
			fmt.Sprintf("position %s predates indexed history", positionId))
	}
	return types.NewConsistencyError("StakingPosition", positionId, "referenced position does not exist")
}

func (s *StakingPositionsModel) loadPosition(tx *gorm.DB, positionId string) (*StakingPosition, error) {
	position := &StakingPosition{}
	res := tx.Model(&StakingPosition{}).Where("position_id = ?", positionId).First(&position)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, types.NewConsistencyError("StakingPosition", positionId, "referenced position does not exist")
		}
		return nil, res.Error
	}
	return position, nil
}

func (s *StakingPositionsModel) applyStakeRenewed(tx *gorm.DB, change *StakingPositionStateChange) error {
	position, err := s.loadPosition(tx, change.PositionId)
	if err != nil {
		return err
	}

	// A renewal restarts the lock: the position reopens even if it was
	// unstaked earlier, so the end timestamp is cleared.
	updates := map[string]interface{}{
		"block_height":    change.BlockHeight,
		"start_timestamp": change.BlockTime,
		"end_timestamp":   nil,
	}
	if change.Amount != "" && change.Amount != "0" {
		amount, err := numbers.AddBig(position.Amount, change.Amount)
		if err != nil {
			return err
		}
		updates["amount"] = amount
	}
	if change.DurationSeconds > 0 {
		updates["duration"] = change.DurationSeconds
	}

	res := tx.Model(&StakingPosition{}).Where("position_id = ?", change.PositionId).Updates(updates)
	return res.Error
}

func (s *StakingPositionsModel) applyUnstaked(tx *gorm.DB, change *StakingPositionStateChange) error {
	if _, err := s.loadPosition(tx, change.PositionId); err != nil {
		return err
	}

	res := tx.Model(&StakingPosition{}).Where("position_id = ?", change.PositionId).Updates(map[string]interface{}{
		"end_timestamp": change.BlockTime,
		"block_height":  change.BlockHeight,
	})
	return res.Error
}

func (s *StakingPositionsModel) GenerateStateRoot(blockHeight uint64) ([]byte, error) {
	changes, err := s.prepareState(blockHeight)
	if err != nil {
		return nil, err
	}

	inputs := s.sortValuesForMerkleTree(changes)

	if len(inputs) == 0 {
		return nil, nil
	}

	fullTree, err := s.MerkleizeChainState(blockHeight, inputs)
	if err != nil {
		s.logger.Sugar().Errorw("Failed to create merkle tree",
			zap.Error(err),
			zap.Uint64("blockHeight", blockHeight),
			zap.Any("inputs", inputs),
		)
		return nil, err
	}
	return fullTree.Root(), nil
}

func (s *StakingPositionsModel) sortValuesForMerkleTree(changes []*StakingPositionStateChange) []*base.MerkleTreeInput {
	inputs := make([]*base.MerkleTreeInput, 0)
	for _, c := range changes {
		inputs = append(inputs, &base.MerkleTreeInput{
			SlotID: base.NewSlotID(c.BlockHeight, c.EventIndex),
			Value:  []byte(fmt.Sprintf("%s:%s:%s:%d", c.ChangeType, c.PositionId, c.Amount, c.DurationSeconds)),
		})
	}
	slices.SortFunc(inputs, func(i, j *base.MerkleTreeInput) int {
		return strings.Compare(string(i.SlotID), string(j.SlotID))
	})
	return inputs
}

func (s *StakingPositionsModel) DeleteState(startBlockHeight uint64, endBlockHeight uint64) error {
	return s.BaseChainState.DeleteState("staking_positions", startBlockHeight, endBlockHeight, s.DB)
}
