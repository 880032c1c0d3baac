package accounts

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/composablefi/picasso-indexer/internal/config"
	"github.com/composablefi/picasso-indexer/pkg/chainState/base"
	"github.com/composablefi/picasso-indexer/pkg/chainState/stateManager"
	"github.com/composablefi/picasso-indexer/pkg/storage"
	"github.com/composablefi/picasso-indexer/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Account struct {
	Id              string `gorm:"type:varchar;primaryKey"`
	LastEventId     string
	LastBlockHeight uint64
	UpdatedAt       time.Time
}

// Activity is append only; one row per (event, account) pair.
type Activity struct {
	Id            string `gorm:"type:varchar;primaryKey"`
	EventId       string
	TransactionId string
	AccountId     string
	BlockHeight   uint64
	Timestamp     time.Time
}

// accountArgFields are the arg names that carry account addresses across the
// tracked pallets.
var accountArgFields = []string{"who", "owner", "beneficiary"}

type AccountStateChange struct {
	AccountId     string
	EventId       string
	TransactionId string
	BlockHeight   uint64
	EventIndex    uint64
	BlockTime     time.Time
}

// Cross-cutting projection that mirrors account references from every tracked
// event family into accounts and activities. Implements IChainStateModel.
type AccountsModel struct {
	base.BaseChainState
	DB           *gorm.DB
	logger       *zap.Logger
	globalConfig *config.Config

	stateAccumulator map[uint64][]*AccountStateChange
}

func NewAccountsModel(
	csm *stateManager.ChainStateManager,
	grm *gorm.DB,
	logger *zap.Logger,
	globalConfig *config.Config,
) (*AccountsModel, error) {
	s := &AccountsModel{
		BaseChainState: base.BaseChainState{
			Logger: logger,
		},
		DB:           grm,
		logger:       logger,
		globalConfig: globalConfig,

		stateAccumulator: make(map[uint64][]*AccountStateChange),
	}
	csm.RegisterState(s, 4)
	return s, nil
}

func (a *AccountsModel) GetModelName() string {
	return "AccountsModel"
}

func (a *AccountsModel) InterestingEvents() map[string][]string {
	return map[string][]string{
		"pablo": {
			"PoolCreated",
			"LiquidityAdded",
			"LiquidityRemoved",
			"Swapped",
		},
		"bondedFinance": {
			"NewOffer",
			"NewBond",
			"OfferCancelled",
		},
		"stakingRewards": {
			"Staked",
			"StakeRenewed",
			"Unstaked",
			"RewardPoolCreated",
			"RewardConfigUpdated",
		},
	}
}

// isValidAddress checks that the value base58-decodes to an SS58 payload of
// plausible size, so arbitrary strings in account-shaped fields don't become
// account rows.
func isValidAddress(address string) bool {
	decoded := base58.Decode(address)
	// 1 or 2 byte network prefix, 32 byte public key, 2 byte checksum
	return len(decoded) >= 35 && len(decoded) <= 36
}

func (a *AccountsModel) SetupStateForBlock(blockHeight uint64) error {
	a.stateAccumulator[blockHeight] = make([]*AccountStateChange, 0)
	return nil
}

func (a *AccountsModel) CleanupProcessedStateForBlock(blockHeight uint64) error {
	delete(a.stateAccumulator, blockHeight)
	return nil
}

func (a *AccountsModel) HandleStateChange(event *storage.BlockEvent) (interface{}, error) {
	if _, ok := a.stateAccumulator[event.BlockHeight]; !ok {
		return nil, xerrors.Errorf("No state accumulator found for block %d", event.BlockHeight)
	}

	args := make(map[string]interface{})
	if err := a.DecodeEventArgs(event, &args); err != nil {
		return nil, err
	}

	changes := make([]*AccountStateChange, 0)
	seen := make(map[string]bool)
	for _, field := range accountArgFields {
		value, ok := args[field]
		if !ok {
			continue
		}
		address, ok := value.(string)
		if !ok || seen[address] {
			continue
		}
		if !isValidAddress(address) {
			a.logger.Sugar().Debugw("Skipping invalid account address",
				zap.String("field", field),
				zap.String("address", address),
				zap.Uint64("blockHeight", event.BlockHeight),
				zap.Uint64("eventIndex", event.EventIndex),
			)
			continue
		}
		seen[address] = true
		changes = append(changes, &AccountStateChange{
			AccountId:     address,
			EventId:       utils.NewEventID(event.BlockHeight, event.EventIndex),
			TransactionId: event.TransactionId,
			BlockHeight:   event.BlockHeight,
			EventIndex:    event.EventIndex,
			BlockTime:     event.BlockTime,
		})
	}
	if len(changes) == 0 {
		return nil, nil
	}

	a.stateAccumulator[event.BlockHeight] = append(a.stateAccumulator[event.BlockHeight], changes...)
	return changes, nil
}

func (a *AccountsModel) prepareState(blockHeight uint64) ([]*AccountStateChange, error) {
	accumulatedState, ok := a.stateAccumulator[blockHeight]
	if !ok {
		err := xerrors.Errorf("No accumulated state found for block %d", blockHeight)
		a.logger.Sugar().Errorw(err.Error(), zap.Error(err), zap.Uint64("blockHeight", blockHeight))
		return nil, err
	}
	return accumulatedState, nil
}

func (a *AccountsModel) CommitFinalState(blockHeight uint64, tx *gorm.DB) error {
	changes, err := a.prepareState(blockHeight)
	if err != nil {
		return err
	}

	for _, change := range changes {
		account := &Account{
			Id:              change.AccountId,
			LastEventId:     change.EventId,
			LastBlockHeight: change.BlockHeight,
			UpdatedAt:       change.BlockTime,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_event_id", "last_block_height", "updated_at"}),
		}).Create(&account)
		if res.Error != nil {
			return res.Error
		}

		activity := &Activity{
			Id:            fmt.Sprintf("%s-%s", change.EventId, change.AccountId),
			EventId:       change.EventId,
			TransactionId: change.TransactionId,
			AccountId:     change.AccountId,
			BlockHeight:   change.BlockHeight,
			Timestamp:     change.BlockTime,
		}
		res = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).Create(&activity)
		if res.Error != nil {
			return res.Error
		}
	}
	return nil
}

func (a *AccountsModel) GenerateStateRoot(blockHeight uint64) ([]byte, error) {
	changes, err := a.prepareState(blockHeight)
	if err != nil {
		return nil, err
	}

	inputs := a.sortValuesForMerkleTree(changes)

	if len(inputs) == 0 {
		return nil, nil
	}

	fullTree, err := a.MerkleizeChainState(blockHeight, inputs)
	if err != nil {
		a.logger.Sugar().Errorw("Failed to create merkle tree",
			zap.Error(err),
			zap.Uint64("blockHeight", blockHeight),
			zap.Any("inputs", inputs),
		)
		return nil, err
	}
	return fullTree.Root(), nil
}

func (a *AccountsModel) sortValuesForMerkleTree(changes []*AccountStateChange) []*base.MerkleTreeInput {
	inputs := make([]*base.MerkleTreeInput, 0)
	for _, c := range changes {
		// Several accounts can be touched by one event, so the account
		// disambiguates the slot.
		inputs = append(inputs, &base.MerkleTreeInput{
			SlotID: base.NewSlotIDWithSuffix(c.BlockHeight, c.EventIndex, c.AccountId),
			Value:  []byte(c.EventId),
		})
	}
	slices.SortFunc(inputs, func(i, j *base.MerkleTreeInput) int {
		return strings.Compare(string(i.SlotID), string(j.SlotID))
	})
	return inputs
}

func (a *AccountsModel) DeleteState(startBlockHeight uint64, endBlockHeight uint64) error {
	return a.BaseChainState.DeleteState("activities", startBlockHeight, endBlockHeight, a.DB)
}
