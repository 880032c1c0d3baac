package rewardPools

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/composablefi/picasso-indexer/internal/config"
	"github.com/composablefi/picasso-indexer/pkg/chainState/base"
	"github.com/composablefi/picasso-indexer/pkg/chainState/stateManager"
	"github.com/composablefi/picasso-indexer/pkg/chainState/types"
	"github.com/composablefi/picasso-indexer/pkg/storage"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RewardPool struct {
	PoolId      string `gorm:"type:varchar;primaryKey"`
	Owner       string
	AssetId     string
	BlockHeight uint64
}

// Reward is one rate schedule entry of a pool's reward config, keyed by
// (pool, period). A config update replaces the entry for its period.
type Reward struct {
	RewardPoolId string `gorm:"type:varchar;primaryKey"`
	AssetId      string
	RatePeriod   string `gorm:"type:varchar;primaryKey"`
	RateAmount   string
	BlockHeight  uint64
}

const (
	changeType_PoolCreated   = "rewardPoolCreated"
	changeType_ConfigUpdated = "rewardConfigUpdated"
)

type rewardRate struct {
	AssetId    string
	RatePeriod string
	RateAmount string
}

type RewardPoolStateChange struct {
	ChangeType  string
	PoolId      string
	Owner       string
	AssetId     string
	Rates       []rewardRate
	BlockHeight uint64
	EventIndex  uint64
}

// Projection of stakingRewards pool events that implements IChainStateModel.
type RewardPoolsModel struct {
	base.BaseChainState
	StateTransitions types.StateTransitions[RewardPoolStateChange]
	DB               *gorm.DB
	logger           *zap.Logger
	globalConfig     *config.Config

	stateAccumulator map[uint64][]*RewardPoolStateChange
}

func NewRewardPoolsModel(
	csm *stateManager.ChainStateManager,
	grm *gorm.DB,
	logger *zap.Logger,
	globalConfig *config.Config,
) (*RewardPoolsModel, error) {
	s := &RewardPoolsModel{
		BaseChainState: base.BaseChainState{
			Logger: logger,
		},
		DB:           grm,
		logger:       logger,
		globalConfig: globalConfig,

		stateAccumulator: make(map[uint64][]*RewardPoolStateChange),
	}
	csm.RegisterState(s, 3)
	return s, nil
}

func (r *RewardPoolsModel) GetModelName() string {
	return "RewardPoolsModel"
}

func (r *RewardPoolsModel) InterestingEvents() map[string][]string {
	return map[string][]string{
		"stakingRewards": {
			"RewardPoolCreated",
			"RewardConfigUpdated",
		},
	}
}

type rewardPoolCreatedArgs struct {
	PoolId  json.Number `json:"poolId"`
	Owner   string      `json:"owner"`
	AssetId json.Number `json:"assetId"`
}

type rewardRateArgs struct {
	AssetId    json.Number `json:"assetId"`
	RatePeriod json.Number `json:"ratePeriod"`
	RateAmount json.Number `json:"rateAmount"`
}

type rewardConfigUpdatedArgs struct {
	PoolId  json.Number      `json:"poolId"`
	Rewards []rewardRateArgs `json:"rewards"`
}

func (r *RewardPoolsModel) GetStateTransitions() (types.StateTransitions[*RewardPoolStateChange], []uint64) {
	stateChanges := make(types.StateTransitions[*RewardPoolStateChange])

	stateChanges[0] = func(event *storage.BlockEvent) (*RewardPoolStateChange, error) {
		if _, ok := r.stateAccumulator[event.BlockHeight]; !ok {
			return nil, xerrors.Errorf("No state accumulator found for block %d", event.BlockHeight)
		}

		change := &RewardPoolStateChange{
			BlockHeight: event.BlockHeight,
			EventIndex:  event.EventIndex,
		}

		switch event.EventName {
		case "RewardPoolCreated":
			args := &rewardPoolCreatedArgs{}
			if err := r.DecodeEventArgs(event, args); err != nil {
				return nil, err
			}
			if args.PoolId == "" || args.Owner == "" {
				return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("missing required fields"))
			}
			change.ChangeType = changeType_PoolCreated
			change.PoolId = args.PoolId.String()
			change.Owner = args.Owner
			change.AssetId = args.AssetId.String()
		case "RewardConfigUpdated":
			args := &rewardConfigUpdatedArgs{}
			if err := r.DecodeEventArgs(event, args); err != nil {
				return nil, err
			}
			if args.PoolId == "" || len(args.Rewards) == 0 {
				return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("missing required fields"))
			}
			change.ChangeType = changeType_ConfigUpdated
			change.PoolId = args.PoolId.String()
			for _, rate := range args.Rewards {
				if rate.RatePeriod == "" || rate.RateAmount == "" {
					return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("malformed reward rate"))
				}
				change.Rates = append(change.Rates, rewardRate{
					AssetId:    rate.AssetId.String(),
					RatePeriod: rate.RatePeriod.String(),
					RateAmount: rate.RateAmount.String(),
				})
			}
		default:
			return nil, nil
		}

		r.stateAccumulator[event.BlockHeight] = append(r.stateAccumulator[event.BlockHeight], change)
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

func (r *RewardPoolsModel) SetupStateForBlock(blockHeight uint64) error {
	r.stateAccumulator[blockHeight] = make([]*RewardPoolStateChange, 0)
	return nil
}

func (r *RewardPoolsModel) CleanupProcessedStateForBlock(blockHeight uint64) error {
	delete(r.stateAccumulator, blockHeight)
	return nil
}

func (r *RewardPoolsModel) HandleStateChange(event *storage.BlockEvent) (interface{}, error) {
	stateChanges, sortedBlockHeights := r.GetStateTransitions()

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

func (r *RewardPoolsModel) prepareState(blockHeight uint64) ([]*RewardPoolStateChange, error) {
	accumulatedState, ok := r.stateAccumulator[blockHeight]
	if !ok {
		err := xerrors.Errorf("No accumulated state found for block %d", blockHeight)
		r.logger.Sugar().Errorw(err.Error(), zap.Error(err), zap.Uint64("blockHeight", blockHeight))
		return nil, err
	}
	return accumulatedState, nil
}

func (r *RewardPoolsModel) CommitFinalState(blockHeight uint64, tx *gorm.DB) error {
	changes, err := r.prepareState(blockHeight)
	if err != nil {
		return err
	}

	for _, change := range changes {
		switch change.ChangeType {
		case changeType_PoolCreated:
			if err := r.applyPoolCreated(tx, change); err != nil {
				return err
			}
		case changeType_ConfigUpdated:
			if err := r.applyConfigUpdated(tx, change); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *RewardPoolsModel) applyPoolCreated(tx *gorm.DB, change *RewardPoolStateChange) error {
	pool := &RewardPool{
		PoolId:      change.PoolId,
		Owner:       change.Owner,
		AssetId:     change.AssetId,
		BlockHeight: change.BlockHeight,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pool_id"}},
		DoNothing: true,
	}).Create(&pool)
	return res.Error
}

// applyConfigUpdated replaces the rate entry for each (pool, period) in the
// update. A reward row never exists without its pool.
func (r *RewardPoolsModel) applyConfigUpdated(tx *gorm.DB, change *RewardPoolStateChange) error {
	pool := &RewardPool{}
	res := tx.Model(&RewardPool{}).Where("pool_id = ?", change.PoolId).First(&pool)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return types.NewConsistencyError("RewardPool", change.PoolId, "referenced reward pool does not exist")
		}
		return res.Error
	}

	for _, rate := range change.Rates {
		reward := &Reward{
			RewardPoolId: change.PoolId,
			AssetId:      rate.AssetId,
			RatePeriod:   rate.RatePeriod,
			RateAmount:   rate.RateAmount,
			BlockHeight:  change.BlockHeight,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reward_pool_id"}, {Name: "rate_period"}},
			DoUpdates: clause.AssignmentColumns([]string{"asset_id", "rate_amount", "block_height"}),
		}).Create(&reward)
		if res.Error != nil {
			return res.Error
		}
	}
	return nil
}

func (r *RewardPoolsModel) GenerateStateRoot(blockHeight uint64) ([]byte, error) {
	changes, err := r.prepareState(blockHeight)
	if err != nil {
		return nil, err
	}

	inputs := r.sortValuesForMerkleTree(changes)

	if len(inputs) == 0 {
		return nil, nil
	}

	fullTree, err := r.MerkleizeChainState(blockHeight, inputs)
	if err != nil {
		r.logger.Sugar().Errorw("Failed to create merkle tree",
			zap.Error(err),
			zap.Uint64("blockHeight", blockHeight),
			zap.Any("inputs", inputs),
		)
		return nil, err
	}
	return fullTree.Root(), nil
}

func (r *RewardPoolsModel) sortValuesForMerkleTree(changes []*RewardPoolStateChange) []*base.MerkleTreeInput {
	inputs := make([]*base.MerkleTreeInput, 0)
	for _, c := range changes {
		rates := make([]string, 0, len(c.Rates))
		for _, rate := range c.Rates {
			rates = append(rates, fmt.Sprintf("%s=%s@%s", rate.RatePeriod, rate.RateAmount, rate.AssetId))
		}
		inputs = append(inputs, &base.MerkleTreeInput{
			SlotID: base.NewSlotID(c.BlockHeight, c.EventIndex),
			Value:  []byte(fmt.Sprintf("%s:%s:%s", c.ChangeType, c.PoolId, strings.Join(rates, ","))),
		})
	}
	slices.SortFunc(inputs, func(i, j *base.MerkleTreeInput) int {
		return strings.Compare(string(i.SlotID), string(j.SlotID))
	})
	return inputs
}

func (r *RewardPoolsModel) DeleteState(startBlockHeight uint64, endBlockHeight uint64) error {
	if err := r.BaseChainState.DeleteState("rewards", startBlockHeight, endBlockHeight, r.DB); err != nil {
		return err
	}
	return r.BaseChainState.DeleteState("reward_pools", startBlockHeight, endBlockHeight, r.DB)
}
