package pabloPools

import (
	"os"
	"testing"
	"time"

	"github.com/composablefi/picasso-indexer/internal/config"
	"github.com/composablefi/picasso-indexer/internal/logger"
	"github.com/composablefi/picasso-indexer/internal/tests"
	"github.com/composablefi/picasso-indexer/pkg/chainState/stateManager"
	"github.com/composablefi/picasso-indexer/pkg/chainState/types"
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

func newEvent(blockHeight uint64, eventIndex uint64, eventName string, args string) *storage.BlockEvent {
	return &storage.BlockEvent{
		BlockHeight: blockHeight,
		EventIndex:  eventIndex,
		Pallet:      "pablo",
		EventName:   eventName,
		Args:        args,
		BlockTime:   time.Unix(1708000000, 0).UTC(),
	}
}

func processEvent(t *testing.T, model *PabloPoolsModel, event *storage.BlockEvent) {
	err := model.SetupStateForBlock(event.BlockHeight)
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
}

func Test_PabloPools(t *testing.T) {
	dbName, grm, l, cfg, err := setup()

	if err != nil {
		t.Fatal(err)
	}

	t.Run("Should create a new PabloPoolsModel", func(t *testing.T) {
		csm := stateManager.NewChainStateManager(l, grm)
		model, err := NewPabloPoolsModel(csm, grm, l, cfg)
		assert.Nil(t, err)
		assert.NotNil(t, model)
	})
	t.Run("Should track pool liquidity, volume and lp issuance", func(t *testing.T) {
		csm := stateManager.NewChainStateManager(l, grm)
		model, err := NewPabloPoolsModel(csm, grm, l, cfg)
		assert.Nil(t, err)

		events := []*storage.BlockEvent{
			newEvent(500, 0, "PoolCreated", `{"poolId": 1, "owner": "5yNZjX24n2eg7W6EVamaTXNQbWCwchhThEaSWB7V3GRjtHeL", "lpTokenId": 105, "quoteAssetId": 130}`),
			newEvent(501, 0, "LiquidityAdded", `{"poolId": 1, "who": "5yNZjX24n2eg7W6EVamaTXNQbWCwchhThEaSWB7V3GRjtHeL", "baseAmount": "1000", "quoteAmount": "500", "mintedLp": "700"}`),
			newEvent(502, 0, "LiquidityRemoved", `{"poolId": 1, "who": "5yNZjX24n2eg7W6EVamaTXNQbWCwchhThEaSWB7V3GRjtHeL", "baseAmount": "100", "quoteAmount": "50", "burnedLp": "70"}`),
			newEvent(503, 0, "Swapped", `{"poolId": 1, "who": "5yNZjX24n2eg7W6EVamaTXNQbWCwchhThEaSWB7V3GRjtHeL", "baseAmount": "10", "quoteAmount": "20", "feeAmount": "3"}`),
		}

		for _, event := range events {
			assert.True(t, model.IsInterestingEvent(model.InterestingEvents(), event))
			processEvent(t, model, event)
		}

		pool := &PabloPool{}
		res := grm.Model(&PabloPool{}).Where("pool_id = ?", "1").First(&pool)
		assert.Nil(t, res.Error)
		assert.Equal(t, "5yNZjX24n2eg7W6EVamaTXNQbWCwchhThEaSWB7V3GRjtHeL", pool.Owner)
		assert.Equal(t, "105", pool.LpTokenId)
		// 1000+500 added, 100+50 removed
		assert.Equal(t, "1350", pool.TotalLiquidity)
		assert.Equal(t, "20", pool.TotalVolume)
		assert.Equal(t, "3", pool.TotalFees)
		assert.Equal(t, uint64(503), pool.BlockHeight)

		lpToken := &PabloLpToken{}
		res = grm.Model(&PabloLpToken{}).Where("lp_token_id = ?", "105").First(&lpToken)
		assert.Nil(t, res.Error)
		assert.Equal(t, "1", lpToken.PoolId)
		assert.Equal(t, "630", lpToken.TotalIssued)
	})
	t.Run("Should fail the block when liquidity references a missing pool", func(t *testing.T) {
		csm := stateManager.NewChainStateManager(l, grm)
		model, err := NewPabloPoolsModel(csm, grm, l, cfg)
		assert.Nil(t, err)

		event := newEvent(600, 0, "LiquidityAdded", `{"poolId": 999, "who": "5yNZjX24n2eg7W6EVamaTXNQbWCwchhThEaSWB7V3GRjtHeL", "baseAmount": "1", "quoteAmount": "1", "mintedLp": "1"}`)

		err = model.SetupStateForBlock(event.BlockHeight)
		assert.Nil(t, err)

		_, err = model.HandleStateChange(event)
		assert.Nil(t, err)

		err = model.CommitFinalState(event.BlockHeight, model.DB)
		assert.NotNil(t, err)
		assert.True(t, types.IsConsistencyError(err))
		assert.False(t, types.IsNonFatal(err))

		err = model.CleanupProcessedStateForBlock(event.BlockHeight)
		assert.Nil(t, err)
	})
	t.Run("Should reject a removal exceeding pool liquidity", func(t *testing.T) {
		csm := stateManager.NewChainStateManager(l, grm)
		model, err := NewPabloPoolsModel(csm, grm, l, cfg)
		assert.Nil(t, err)

		event := newEvent(601, 0, "LiquidityRemoved", `{"poolId": 1, "who": "5yNZjX24n2eg7W6EVamaTXNQbWCwchhThEaSWB7V3GRjtHeL", "baseAmount": "100000", "quoteAmount": "100000", "burnedLp": "1"}`)

		err = model.SetupStateForBlock(event.BlockHeight)
		assert.Nil(t, err)

		_, err = model.HandleStateChange(event)
		assert.Nil(t, err)

		err = model.CommitFinalState(event.BlockHeight, model.DB)
		assert.NotNil(t, err)
		assert.True(t, types.IsConsistencyError(err))

		err = model.CleanupProcessedStateForBlock(event.BlockHeight)
		assert.Nil(t, err)
	})
	t.Run("Should surface a decode error as non fatal", func(t *testing.T) {
		csm := stateManager.NewChainStateManager(l, grm)
		model, err := NewPabloPoolsModel(csm, grm, l, cfg)
		assert.Nil(t, err)

		event := newEvent(602, 0, "PoolCreated", `{"poolId": `)

		err = model.SetupStateForBlock(event.BlockHeight)
		assert.Nil(t, err)

		_, err = model.HandleStateChange(event)
		assert.NotNil(t, err)
		assert.True(t, types.IsNonFatal(err))

		err = model.CleanupProcessedStateForBlock(event.BlockHeight)
		assert.Nil(t, err)
	})
	t.Run("Should make pool creation idempotent on replay", func(t *testing.T) {
		csm := stateManager.NewChainStateManager(l, grm)
		model, err := NewPabloPoolsModel(csm, grm, l, cfg)
		assert.Nil(t, err)

		event := newEvent(500, 0, "PoolCreated", `{"poolId": 1, "owner": "5yNZjX24n2eg7W6EVamaTXNQbWCwchhThEaSWB7V3GRjtHeL", "lpTokenId": 105, "quoteAssetId": 130}`)
		processEvent(t, model, event)

		var count int64
		res := grm.Model(&PabloPool{}).Where("pool_id = ?", "1").Count(&count)
		assert.Nil(t, res.Error)
		assert.Equal(t, int64(1), count)
	})
	t.Cleanup(func() {
		postgres.TeardownTestDatabase(dbName, cfg, grm, l)
	})
}
