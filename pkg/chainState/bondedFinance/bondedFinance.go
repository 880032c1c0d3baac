package bondedFinance

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
	"github.com/composablefi/picasso-indexer/pkg/types/numbers"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BondOffer struct {
	OfferId        string `gorm:"type:varchar;primaryKey"`
	Beneficiary    string
	AssetId        string
	TotalPurchased string
	Cancelled      bool
	BlockHeight    uint64
}

// BondedFinanceTotal tracks the chain-wide running amount purchased across
// all offers. A single row keyed by TotalRowId.
type BondedFinanceTotal struct {
	Id          string `gorm:"type:varchar;primaryKey"`
	Purchased   string
	BlockHeight uint64
}

const TotalRowId = "total"

const (
	changeType_NewOffer       = "newOffer"
	changeType_NewBond        = "newBond"
	changeType_OfferCancelled = "offerCancelled"
)

type BondOfferStateChange struct {
	ChangeType  string
	OfferId     string
	Beneficiary string
	AssetId     string
	Amount      string
	BlockHeight uint64
	EventIndex  uint64
}

// Projection of bondedFinance pallet events that implements IChainStateModel.
type BondedFinanceModel struct {
	base.BaseChainState
	StateTransitions types.StateTransitions[BondOfferStateChange]
	DB               *gorm.DB
	logger           *zap.Logger
	globalConfig     *config.Config

	stateAccumulator map[uint64][]*BondOfferStateChange
}

func NewBondedFinanceModel(
	csm *stateManager.ChainStateManager,
	grm *gorm.DB,
	logger *zap.Logger,
	globalConfig *config.Config,
) (*BondedFinanceModel, error) {
	s := &BondedFinanceModel{
		BaseChainState: base.BaseChainState{
			Logger: logger,
		},
		DB:           grm,
		logger:       logger,
		globalConfig: globalConfig,

		stateAccumulator: make(map[uint64][]*BondOfferStateChange),
	}
	csm.RegisterState(s, 1)
	return s, nil
}

func (b *BondedFinanceModel) GetModelName() string {
	return "BondedFinanceModel"
}

func (b *BondedFinanceModel) InterestingEvents() map[string][]string {
	return map[string][]string{
		"bondedFinance": {
			"NewOffer",
			"NewBond",
			"OfferCancelled",
		},
	}
}

type newOfferArgs struct {
	OfferId     json.Number `json:"offerId"`
	Beneficiary string      `json:"beneficiary"`
	AssetId     json.Number `json:"assetId"`
}

type newBondArgs struct {
	OfferId json.Number `json:"offerId"`
	Who     string      `json:"who"`
	Amount  json.Number `json:"amount"`
}

type offerCancelledArgs struct {
	OfferId json.Number `json:"offerId"`
}

func (b *BondedFinanceModel) GetStateTransitions() (types.StateTransitions[*BondOfferStateChange], []uint64) {
	stateChanges := make(types.StateTransitions[*BondOfferStateChange])

	stateChanges[0] = func(event *storage.BlockEvent) (*BondOfferStateChange, error) {
		if _, ok := b.stateAccumulator[event.BlockHeight]; !ok {
			return nil, xerrors.Errorf("No state accumulator found for block %d", event.BlockHeight)
		}

		change := &BondOfferStateChange{
			BlockHeight: event.BlockHeight,
			EventIndex:  event.EventIndex,
		}

		switch event.EventName {
		case "NewOffer":
			args := &newOfferArgs{}
			if err := b.DecodeEventArgs(event, args); err != nil {
				return nil, err
			}
			if args.OfferId == "" || args.Beneficiary == "" {
				return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("missing required fields"))
			}
			change.ChangeType = changeType_NewOffer
			change.OfferId = args.OfferId.String()
			change.Beneficiary = args.Beneficiary
			change.AssetId = args.AssetId.String()
		case "NewBond":
			args := &newBondArgs{}
			if err := b.DecodeEventArgs(event, args); err != nil {
				return nil, err
			}
			if args.OfferId == "" || args.Amount == "" {
				return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("missing required fields"))
			}
			change.ChangeType = changeType_NewBond
			change.OfferId = args.OfferId.String()
			change.Amount = args.Amount.String()
		case "OfferCancelled":
			args := &offerCancelledArgs{}
			if err := b.DecodeEventArgs(event, args); err != nil {
				return nil, err
			}
			if args.OfferId == "" {
				return nil, types.NewDecodeError(event.Pallet, event.EventName, xerrors.Errorf("missing required fields"))
			}
			change.ChangeType = changeType_OfferCancelled
			change.OfferId = args.OfferId.String()
		default:
			return nil, nil
		}

		b.stateAccumulator[event.BlockHeight] = append(b.stateAccumulator[event.BlockHeight], change)
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

func (b *BondedFinanceModel) SetupStateForBlock(blockHeight uint64) error {
	b.stateAccumulator[blockHeight] = make([]*BondOfferStateChange, 0)
	return nil
}

func (b *BondedFinanceModel) CleanupProcessedStateForBlock(blockHeight uint64) error {
	delete(b.stateAccumulator, blockHeight)
	return nil
}

func (b *BondedFinanceModel) HandleStateChange(event *storage.BlockEvent) (interface{}, error) {
	stateChanges, sortedBlockHeights := b.GetStateTransitions()

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

func (b *BondedFinanceModel) prepareState(blockHeight uint64) ([]*BondOfferStateChange, error) {
	accumulatedState, ok := b.stateAccumulator[blockHeight]
	if !ok {
		err := xerrors.Errorf("No accumulated state found for block %d", blockHeight)
		b.logger.Sugar().Errorw(err.Error(), zap.Error(err), zap.Uint64("blockHeight", blockHeight))
		return nil, err
	}
	return accumulatedState, nil
}

func (b *BondedFinanceModel) CommitFinalState(blockHeight uint64, tx *gorm.DB) error {
	changes, err := b.prepareState(blockHeight)
	if err != nil {
		return err
	}

	for _, change := range changes {
		switch change.ChangeType {
		case changeType_NewOffer:
			if err := b.applyNewOffer(tx, change); err != nil {
				return err
			}
		case changeType_NewBond:
			if err := b.applyNewBond(tx, change); err != nil {
				return err
			}
		case changeType_OfferCancelled:
			if err := b.applyOfferCancelled(tx, change); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *BondedFinanceModel) applyNewOffer(tx *gorm.DB, change *BondOfferStateChange) error {
	offer := &BondOffer{
		OfferId:        change.OfferId,
		Beneficiary:    change.Beneficiary,
		AssetId:        change.AssetId,
		TotalPurchased: "0",
		Cancelled:      false,
		BlockHeight:    change.BlockHeight,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "offer_id"}},
		DoNothing: true,
	}).Create(&offer)
	return res.Error
}

func (b *BondedFinanceModel) applyNewBond(tx *gorm.DB, change *BondOfferStateChange) error {
	offer := &BondOffer{}
	res := tx.Model(&BondOffer{}).Where("offer_id = ?", change.OfferId).First(&offer)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return types.NewConsistencyError("BondOffer", change.OfferId, "referenced offer does not exist")
		}
		return res.Error
	}

	totalPurchased, err := numbers.AddBig(offer.TotalPurchased, change.Amount)
	if err != nil {
		return err
	}
	res = tx.Model(&BondOffer{}).Where("offer_id = ?", change.OfferId).Updates(map[string]interface{}{
		"total_purchased": totalPurchased,
		"block_height":    change.BlockHeight,
	})
	if res.Error != nil {
		return res.Error
	}

	return b.applyTotalPurchased(tx, change)
}

// applyTotalPurchased folds the bond amount into the single chain-wide total
// row, creating it with a zero base on first use.
func (b *BondedFinanceModel) applyTotalPurchased(tx *gorm.DB, change *BondOfferStateChange) error {
	total := &BondedFinanceTotal{
		Id:          TotalRowId,
		Purchased:   "0",
		BlockHeight: change.BlockHeight,
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&total)
	if res.Error != nil {
		return res.Error
	}

	res = tx.Model(&BondedFinanceTotal{}).Where("id = ?", TotalRowId).First(&total)
	if res.Error != nil {
		return res.Error
	}

	purchased, err := numbers.AddBig(total.Purchased, change.Amount)
	if err != nil {
		return err
	}
	res = tx.Model(&BondedFinanceTotal{}).Where("id = ?", TotalRowId).Updates(map[string]interface{}{
		"purchased":    purchased,
		"block_height": change.BlockHeight,
	})
	return res.Error
}

func (b *BondedFinanceModel) applyOfferCancelled(tx *gorm.DB, change *BondOfferStateChange) error {
	res := tx.Model(&BondOffer{}).Where("offer_id = ?", change.OfferId).Updates(map[string]interface{}{
		"cancelled":    true,
		"block_height": change.BlockHeight,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.NewConsistencyError("BondOffer", change.OfferId, "referenced offer does not exist")
	}
	return nil
}

func (b *BondedFinanceModel) GenerateStateRoot(blockHeight uint64) ([]byte, error) {
	changes, err := b.prepareState(blockHeight)
	if err != nil {
		return nil, err
	}

	inputs := b.sortValuesForMerkleTree(changes)

	if len(inputs) == 0 {
		return nil, nil
	}

	fullTree, err := b.MerkleizeChainState(blockHeight, inputs)
	if err != nil {
		b.logger.Sugar().Errorw("Failed to create merkle tree",
			zap.Error(err),
			zap.Uint64("blockHeight", blockHeight),
			zap.Any("inputs", inputs),
		)
		return nil, err
	}
	return fullTree.Root(), nil
}

func (b *BondedFinanceModel) sortValuesForMerkleTree(changes []*BondOfferStateChange) []*base.MerkleTreeInput {
	inputs := make([]*base.MerkleTreeInput, 0)
	for _, c := range changes {
		inputs = append(inputs, &base.MerkleTreeInput{
			SlotID: base.NewSlotID(c.BlockHeight, c.EventIndex),
			Value:  []byte(fmt.Sprintf("%s:%s:%s", c.ChangeType, c.OfferId, c.Amount)),
		})
	}
	slices.SortFunc(inputs, func(i, j *base.MerkleTreeInput) int {
		return strings.Compare(string(i.SlotID), string(j.SlotID))
	})
	return inputs
}

func (b *BondedFinanceModel) DeleteState(startBlockHeight uint64, endBlockHeight uint64) error {
	if err := b.BaseChainState.DeleteState("bond_offers", startBlockHeight, endBlockHeight, b.DB); err != nil {
		return err
	}
	return b.BaseChainState.DeleteState("bonded_finance_totals", startBlockHeight, endBlockHeight, b.DB)
}
