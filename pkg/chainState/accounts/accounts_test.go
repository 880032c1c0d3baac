package accounts

import (
	"os"
	"testing"
	"time"

	"github.com/composablefi/picasso-indexer/internal/config"
	"github.com/composablefi/picasso-indexer/internal/logger"
	"github.com/composablefi/picasso-indexer/internal/tests"
	"github.com/composablefi/picasso-indexer/pkg/chainState/stateManager"
	"github.com/composablefi/picasso-indexer/pkg/postgres"
	"github.com/composablefi/picasso-indexer/pkg/storage"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setup() (
	string,
	*gorm.DB,
	*zap.Logger,
	*config.Config,
	error,
) {
	cfg := config.NewConfig()
	cfg.Chain = config.Chain_PicassoRococo
	cfg.Debug = os.Getenv(config.Debug) == "true"
	cfg.DatabaseConfig = *tests.GetDbConfigFromEnv()

	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

	dbname, _, grm, err := postgres.GetTestPostgresDatabase(&cfg.DatabaseConfig, l)
	if err != nil {
		return dbname, nil, nil, nil, err
	}

	return dbname, grm, l, cfg, nil
}

const (
	ownerAddress = "5yNZjX24n2eg7W6EVamaTXNQbWCwchhThEaSWB7V3GRjtHeL"
	whoAddress   = "5wArnUXLpnXSdsD11Vhq4HWwLzdHNkRsYCQsCWsLTmZLADWT"
)

func Test_Accounts(t *testing.T) {
	dbName, grm, l, cfg, err := setup()

	if err != nil {
		t.Fatal(err)
	}

	t.Run("Should validate SS58 addresses", func(t *testing.T) {
		assert.True(t, isValidAddress(ownerAddress))
		assert.True(t, isValidAddress(whoAddress))
		assert.False(t, isValidAddress("not-an-address"))
		assert.False(t, isValidAddress(""))
		assert.False(t, isValidAddress("105"))
	})
	t.Run("Should upsert accounts and append one activity per account", func(t *testing.T) {
		csm := stateManager.NewChainStateManager(l, grm)
		model, err := NewAccountsModel(csm, grm, l, cfg)
		assert.Nil(t, err)

		event := &storage.BlockEvent{
			BlockHeight:   1000,
			EventIndex:    2,
			Pallet:        "pablo",
			EventName:     "Swapped",
			TransactionId: "1000-1",
			Args:          `{"poolId": 1, "who": "` + whoAddress + `", "baseAmount": "10", "quoteAmount": "20", "feeAmount": "3"}`,
			BlockTime:     time.Unix(1708000000, 0).UTC(),
		}

		assert.True(t, model.IsInterestingEvent(model.InterestingEvents(), event))

		err = model.SetupStateForBlock(event.BlockHeight)
		assert.Nil(t, err)

		change, err := model.HandleStateChange(event)
		assert.Nil(t, err)
		assert.NotNil(t, change)

		err = model.CommitFinalState(event.BlockHeight, model.DB)
		assert.Nil(t, err)

		stateRoot, err := model.GenerateStateRoot(event.BlockHeight)
		assert.Nil(t, err)
		assert.True(t, len(stateRoot) > 0)

		err = model.CleanupProcessedStateForBlock(event.BlockHeight)
		assert.Nil(t, err)

		account := &Account{}
		res := grm.Model(&Account{}).Where("id = ?", whoAddress).First(&account)
		assert.Nil(t, res.Error)
		assert.Equal(t, "1000-2", account.LastEventId)
		assert.Equal(t, uint64(1000), account.LastBlockHeight)

		activities := []Activity{}
		res = grm.Model(&Activity{}).Where("account_id = ?", whoAddress).Find(&activities)
		assert.Nil(t, res.Error)
		assert.Equal(t, 1, len(activities))
		assert.Equal(t, "1000-2-"+whoAddress, activities[0].Id)
		assert.Equal(t, "1000-1", activities[0].TransactionId)
	})
	t.Run("Should record each distinct account referenced by one event", func(t *testing.T) {
		csm := stateManager.NewChainStateManager(l, grm)
		model, err := NewAccountsModel(csm, grm, l, cfg)
		assert.Nil(t, err)

		// owner and beneficiary are different accounts here
		event := &storage.BlockEvent{
			BlockHeight: 1001,
			EventIndex:  0,
			Pallet:      "bondedFinance",
			EventName:   "NewOffer",
			Args:        `{"offerId": 9, "beneficiary": "` + ownerAddress + `", "assetId": 1, "who": "` + whoAddress + `"}`,
			BlockTime:   time.Unix(1708000012, 0).UTC(),
		}

		err = model.SetupStateForBlock(event.BlockHeight)
		assert.Nil(t, err)

		change, err := model.HandleStateChange(event)
		assert.Nil(t, err)
		changes, ok := change.([]*AccountStateChange)
		assert.True(t, ok)
		assert.Equal(t, 2, len(changes))

		err = model.CommitFinalState(event.BlockHeight, model.DB)
		assert.Nil(t, err)

		err = model.CleanupProcessedStateForBlock(event.BlockHeight)
		assert.Nil(t, err)

		var count int64
		res := grm.Model(&Activity{}).Where("block_height = ?", 1001).Count(&count)
		assert.Nil(t, res.Error)
		assert.Equal(t, int64(2), count)
	})
	t.Run("Should ignore events whose account fields are not addresses", func(t *testing.T) {
		csm := stateManager.NewChainStateManager(l, grm)
		model, err := NewAccountsModel(csm, grm, l, cfg)
		assert.Nil(t, err)

		event := &storage.BlockEvent{
			BlockHeight: 1002,
			EventIndex:  0,
			Pallet:      "pablo",
			EventName:   "PoolCreated",
			Args:        `{"poolId": 2, "owner": "bogus", "lpTokenId": 106, "quoteAssetId": 130}`,
			BlockTime:   time.Unix(1708000024, 0).UTC(),
		}

		err = model.SetupStateForBlock(event.BlockHeight)
		assert.Nil(t, err)

		change, err := model.HandleStateChange(event)
		assert.Nil(t, err)
		assert.Nil(t, change)

		stateRoot, err := model.GenerateStateRoot(event.BlockHeight)
		assert.Nil(t, err)
		assert.Nil(t, stateRoot)

		err = model.CleanupProcessedStateForBlock(event.BlockHeight)
		assert.Nil(t, err)
	})
	t.Cleanup(func() {
		postgres.TeardownTestDatabase(dbName, cfg, grm, l)
	})
}
