package pabloPools

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

// PabloPool is the running state of a dex pool. Totals are unsigned 128-bit
// integers stored as strings.
type PabloPool struct {
	PoolId         string `gorm:"type:varchar;primaryKey"`
	Owner          string
	LpTokenId      string
	QuoteAssetId   string
	TotalLiquidity string
	TotalVolume    string
	TotalFees      string
	BlockHeight    uint64
	BlockTime      time.Time
}

type PabloLpToken struct {
	LpTokenId   string `gorm:"type:varchar;primaryKey"`
	PoolId      string
	TotalIssued string
	BlockHeight uint64
	BlockTime   time.Time
}

const (
	changeType_PoolCreated      = "poolCreated"
	changeType_LiquidityAdded   = "liquidityAdded"
	changeType_LiquidityRemoved = "liquidityRemoved"
	changeType_Swapped          = "swapped"
)

type PabloPoolStateChange struct {
	ChangeType   string
	PoolId       string
	Owner        string
	LpTokenId    string
	QuoteAssetId string
	BaseAmount   string
	QuoteAmount  string
	LpAmount     string
	FeeAmount    string
	BlockHeight  uint64
	EventIndex   uint64
	BlockTime    time.Time
}

// Projection of pablo pallet events that implements IChainStateModel.
type PabloPoolsModel struct {
	base.BaseChainState
	StateTransitions types.StateTransitions[PabloPoolStateChange]
	DB               *gorm.DB
	logger           *zap.Logger
	globalConfig     *config.Config

	// Keep track of each distinct change, in event order, to apply at commit
	stateAccumulator map[uint64][]*PabloPoolStateChange
}

func NewPabloPoolsModel(
	csm *stateManager.ChainStateManager,
	grm *gorm.DB,
	logger *zap.Logger,
	globalConfig *config.Config,
) (*PabloPoolsModel, error) {
	s := &PabloPoolsModel{
		BaseChainState: base.BaseChainState{
			Logger: logger,
		},
		DB:           grm,
		logger:       logger,
		globalConfig: globalConfig,

		stateAccumulator: make(map[uint64][]*PabloPoolStateChange),
	}
	csm.RegisterState(s, 0)
	return s, nil
}

func (p *PabloPoolsModel) GetModelName() string {
	return "PabloPoolsModel"
}

func (p *PabloPoolsModel) InterestingEvents() map[string][]string {
	return map[string][]string{
		"pablo": {
			"PoolCreated",
			"LiquidityAdded",
			"LiquidityRemoved",
			"Swapped",
		},
	}
}

type poolCreatedArgs struct {
	PoolId       json.Number `json:"poolId"`
	Owner        string      `json:"owner"`
	LpTokenId    json.Number `json:"lpTokenId"`
	QuoteAssetId json.Number `json:"quoteAssetId"`
}

type liquidityChangedArgs struct {
	PoolId      json.Number `json:"poolId"`
	Who         string      `json:"who"`
	BaseAmount  json.Number `json:"baseAmount"`
	QuoteAmount json.Number `json:"quoteAmount"`
	MintedLp    json.Number `json:"mintedLp"`
	BurnedLp    json.Number `json:"burnedLp"`
}

type swappedArgs struct {
	PoolId      json.Number `json:"poolId"`
	Who         string      `json:"who"`
	BaseAmount  json.Number `json:"baseAmount"`
	QuoteAmount json.Number `json:"quoteAmount"`
	FeeAmount   json.Number `json:"feeAmount"`
}

// Get the state transitions for the PabloPoolsModel state model
//
// Each state transition is a function indexed by block height, with height 0
// as the catchall. The list exists so a runtime upgrade that changes an
// event's shape can install a second decoder from its upgrade height.
func (p *PabloPoolsModel) GetStateTransitions() (types.StateTransitions[*PabloPoolStateChange], []uint64) {
	stateChanges := make(types.StateTransitions[*PabloPoolStateChange])

	stateChanges[0] = func(event *storage.BlockEvent) (*PabloPoolStateChange, error) {
		// Sanity check to make sure we've got an initialized accumulator map for the block
		if _, ok := p.stateAccumulator[event.BlockHeight]; !ok {
			return nil, xerrors.Errorf("No state accumulator found for block %d", event.BlockHeight)
		}

		change := &PabloPoolStateChange{
			BlockHeight: event.BlockHeight,
			EventIndex:  event.EventIndex,
			BlockTime:   event.BlockTime,
		}

		switch event.EventName {
		case "PoolCreated":
			args := &poolCreatedArgs{}
			if err := p.DecodeEventArgs(event, args); err != nil {
				return nil, err
			}
			if args.PoolId == "" || args.Owner == "" || args.LpTokenId == "" {
				return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("missing required fields"))
			}
			change.ChangeType = changeType_PoolCreated
			change.PoolId = args.PoolId.String()
			change.Owner = args.Owner
			change.LpTokenId = args.LpTokenId.String()
			change.QuoteAssetId = args.QuoteAssetId.String()
		case "LiquidityAdded":
			args := &liquidityChangedArgs{}
			if err := p.DecodeEventArgs(event, args); err != nil {
				return nil, err
			}
			if args.PoolId == "" || args.BaseAmount == "" || args.QuoteAmount == "" {
				return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("missing required fields"))
			}
			change.ChangeType = changeType_LiquidityAdded
			change.PoolId = args.PoolId.String()
			change.BaseAmount = args.BaseAmount.String()
			change.QuoteAmount = args.QuoteAmount.String()
			change.LpAmount = args.MintedLp.String()
		case "LiquidityRemoved":
			args := &liquidityChangedArgs{}
			if err := p.DecodeEventArgs(event, args); err != nil {
				return nil, err
			}
			if args.PoolId == "" || args.BaseAmount == "" || args.QuoteAmount == "" {
				return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("missing required fields"))
			}
			change.ChangeType = changeType_LiquidityRemoved
			change.PoolId = args.PoolId.String()
			change.BaseAmount = args.BaseAmount.String()
			change.QuoteAmount = args.QuoteAmount.String()
			change.LpAmount = args.BurnedLp.String()
		case "Swapped":
			args := &swappedArgs{}
			if err := p.DecodeEventArgs(event, args); err != nil {
				return nil, err
			}
			if args.PoolId == "" || args.QuoteAmount == "" {
				return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("missing required fields"))
			}
			change.ChangeType = changeType_Swapped
			change.PoolId = args.PoolId.String()
			change.BaseAmount = args.BaseAmount.String()
			change.QuoteAmount = args.QuoteAmount.String()
			change.FeeAmount = args.FeeAmount.String()
		default:
			return nil, nil
		}

		p.stateAccumulator[event.BlockHeight] = append(p.stateAccumulator[event.BlockHeight], change)
		return change, nil
	}

	// Create an ordered list of block heights
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

func (p *PabloPoolsModel) SetupStateForBlock(blockHeight uint64) error {
	p.stateAccumulator[blockHeight] = make([]*PabloPoolStateChange, 0)
	return nil
}

func (p *PabloPoolsModel) CleanupProcessedStateForBlock(blockHeight uint64) error {
	delete(p.stateAccumulator, blockHeight)
	return nil
}

func (p *PabloPoolsModel) HandleStateChange(event *storage.BlockEvent) (interface{}, error) {
	stateChanges, sortedBlockHeights := p.GetStateTransitions()

	for _, blockHeight := range sortedBlockHeights {
		if event.BlockHeight >= blockHeight {
			change, err := stateChanges[blockHeight](event)
			if err != nil {
				return nil, err
			}

			if change == nil {
				p.logger.Sugar().Debugw("No state change found", zap.Uint64("blockHeight", blockHeight))
				return nil, nil
			}
			return change, nil
		}
	}
	return nil, nil
}

func (p *PabloPoolsModel) prepareState(blockHeight uint64) ([]*PabloPoolStateChange, error) {
	accumulatedState, ok := p.stateAccumulator[blockHeight]
	if !ok {
		err := xerrors.Errorf("No accumulated state found for block %d", blockHeight)
		p.logger.Sugar().Errorw(err.Error(), zap.Error(err), zap.Uint64("blockHeight", blockHeight))
		return nil, err
	}
	return accumulatedState, nil
}

// CommitFinalState applies the accumulated changes in event order inside the
// block's transaction.
func (p *PabloPoolsModel) CommitFinalState(blockHeight uint64, tx *gorm.DB) error {
	changes, err := p.prepareState(blockHeight)
	if err != nil {
		return err
	}

	for _, change := range changes {
		switch change.ChangeType {
		case changeType_PoolCreated:
			if err := p.applyPoolCreated(tx, change); err != nil {
				return err
			}
		case changeType_LiquidityAdded, changeType_LiquidityRemoved:
			if err := p.applyLiquidityChanged(tx, change); err != nil {
				return err
			}
		case changeType_Swapped:
			if err := p.applySwapped(tx, change); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *PabloPoolsModel) applyPoolCreated(tx *gorm.DB, change *PabloPoolStateChange) error {
	pool := &PabloPool{
		PoolId:         change.PoolId,
		Owner:          change.Owner,
		LpTokenId:      change.LpTokenId,
		QuoteAssetId:   change.QuoteAssetId,
		TotalLiquidity: "0",
		TotalVolume:    "0",
		TotalFees:      "0",
		BlockHeight:    change.BlockHeight,
		BlockTime:      change.BlockTime,
	}
	// A pool id can only be created once; replays make this a no-op.
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pool_id"}},
		DoNothing: true,
	}).Create(&pool)
	if res.Error != nil {
		return res.Error
	}

	lpToken := &PabloLpToken{
		LpTokenId:   change.LpTokenId,
		PoolId:      change.PoolId,
		TotalIssued: "0",
		BlockHeight: change.BlockHeight,
		BlockTime:   change.BlockTime,
	}
	res = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lp_token_id"}},
		DoNothing: true,
	}).Create(&lpToken)
	return res.Error
}

func (p *PabloPoolsModel) loadPool(tx *gorm.DB, poolId string) (*PabloPool, error) {
	pool := &PabloPool{}
	res := tx.Model(&PabloPool{}).Where("pool_id = ?", poolId).First(&pool)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return nil, types.NewConsistencyError("PabloPool", poolId, "referenced pool does not exist")
		}
		return nil, res.Error
	}
	return pool, nil
}

func (p *PabloPoolsModel) applyLiquidityChanged(tx *gorm.DB, change *PabloPoolStateChange) error {
	pool, err := p.loadPool(tx, change.PoolId)
	if err != nil {
		return err
	}

	delta, err := numbers.AddBig(change.BaseAmount, change.QuoteAmount)
	if err != nil {
		return err
	}

	var totalLiquidity string
	if change.ChangeType == changeType_LiquidityAdded {
		totalLiquidity, err = numbers.AddBig(pool.TotalLiquidity, delta)
	} else {
		removesTooMuch, gtErr := numbers.BigGreaterThan(delta, pool.TotalLiquidity)
		if gtErr != nil {
			return gtErr
		}
		if removesTooMuch {
			return types.NewConsistencyError("PabloPool", change.PoolId, "liquidity removal exceeds pool liquidity")
		}
		totalLiquidity, err = numbers.SubBig(pool.TotalLiquidity, delta)
	}
	if err != nil {
		return err
	}

	res := tx.Model(&PabloPool{}).Where("pool_id = ?", change.PoolId).Updates(map[string]interface{}{
		"total_liquidity": totalLiquidity,
		"block_height":    change.BlockHeight,
		"block_time":      change.BlockTime,
	})
	if res.Error != nil {
		return res.Error
	}

	if change.LpAmount == "" || change.LpAmount == "0" {
		return nil
	}
	return p.applyLpIssuanceChange(tx, pool.LpTokenId, change)
}

func (p *PabloPoolsModel) applyLpIssuanceChange(tx *gorm.DB, lpTokenId string, change *PabloPoolStateChange) error {
	lpToken := &PabloLpToken{}
	res := tx.Model(&PabloLpToken{}).Where("lp_token_id = ?", lpTokenId).First(&lpToken)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return types.NewConsistencyError("PabloLpToken", lpTokenId, "referenced lp token does not exist")
		}
		return res.Error
	}

	var totalIssued string
	var err error
	if change.ChangeType == changeType_LiquidityAdded {
		totalIssued, err = numbers.AddBig(lpToken.TotalIssued, change.LpAmount)
	} else {
		burnsTooMuch, gtErr := numbers.BigGreaterThan(change.LpAmount, lpToken.TotalIssued)
		if gtErr != nil {
			return gtErr
		}
		if burnsTooMuch {
			return types.NewConsistencyError("PabloLpToken", lpTokenId, "lp burn exceeds issuance")
		}
		totalIssued, err = numbers.SubBig(lpToken.TotalIssued, change.LpAmount)
	}
	if err != nil {
		return err
	}

	res = tx.Model(&PabloLpToken{}).Where("lp_token_id = ?", lpTokenId).Updates(map[string]interface{}{
		"total_issued": totalIssued,
		"block_height": change.BlockHeight,
		"block_time":   change.BlockTime,
	})
	return res.Error
}

func (p *PabloPoolsModel) applySwapped(tx *gorm.DB, change *PabloPoolStateChange) error {
	pool, err := p.loadPool(tx, change.PoolId)
	if err != nil {
		return err
	}

	totalVolume, err := numbers.AddBig(pool.TotalVolume, change.QuoteAmount)
	if err != nil {
		return err
	}
	totalFees := pool.TotalFees
	if change.FeeAmount != "" {
		totalFees, err = numbers.AddBig(pool.TotalFees, change.FeeAmount)
		if err != nil {
			return err
		}
	}

	res := tx.Model(&PabloPool{}).Where("pool_id = ?", change.PoolId).Updates(map[string]interface{}{
		"total_volume": totalVolume,
		"total_fees":   totalFees,
		"block_height": change.BlockHeight,
		"block_time":   change.BlockTime,
	})
	return res.Error
}

// GenerateStateRoot generates the state root for the given block height using the accumulated changes.
func (p *PabloPoolsModel) GenerateStateRoot(blockHeight uint64) ([]byte, error) {
	changes, err := p.prepareState(blockHeight)
	if err != nil {
		return nil, err
	}

	inputs := p.sortValuesForMerkleTree(changes)

	if len(inputs) == 0 {
		return nil, nil
	}

	fullTree, err := p.MerkleizeChainState(blockHeight, inputs)
	if err != nil {
		p.logger.Sugar().Errorw("Failed to create merkle tree",
			zap.Error(err),
			zap.Uint64("blockHeight", blockHeight),
			zap.Any("inputs", inputs),
		)
		return nil, err
	}
	return fullTree.Root(), nil
}

func (p *PabloPoolsModel) sortValuesForMerkleTree(changes []*PabloPoolStateChange) []*base.MerkleTreeInput {
	inputs := make([]*base.MerkleTreeInput, 0)
	for _, c := range changes {
		inputs = append(inputs, &base.MerkleTreeInput{
			SlotID: base.NewSlotID(c.BlockHeight, c.EventIndex),
			Value:  []byte(fmt.Sprintf("%s:%s:%s:%s:%s", c.ChangeType, c.PoolId, c.BaseAmount, c.QuoteAmount, c.FeeAmount)),
		})
	}
	slices.SortFunc(inputs, func(i, j *base.MerkleTreeInput) int {
		return strings.Compare(string(i.SlotID), string(j.SlotID))
	})
	return inputs
}

func (p *PabloPoolsModel) DeleteState(startBlockHeight uint64, endBlockHeight uint64) error {
	if err := p.BaseChainState.DeleteState("pablo_pools", startBlockHeight, endBlockHeight, p.DB); err != nil {
		return err
	}
	return p.BaseChainState.DeleteState("pablo_lp_tokens", startBlockHeight, endBlockHeight, p.DB)
}
