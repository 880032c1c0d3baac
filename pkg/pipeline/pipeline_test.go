package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"

	"github.com/composablefi/picasso-indexer/internal/config"
	"github.com/composablefi/picasso-indexer/internal/logger"
	"github.com/composablefi/picasso-indexer/internal/metrics"
	"github.com/composablefi/picasso-indexer/internal/tests"
	"github.com/composablefi/picasso-indexer/pkg/chainState/accounts"
	"github.com/composablefi/picasso-indexer/pkg/chainState/bondedFinance"
	"github.com/composablefi/picasso-indexer/pkg/chainState/pabloPools"
	"github.com/composablefi/picasso-indexer/pkg/chainState/rewardPools"
	"github.com/composablefi/picasso-indexer/pkg/chainState/stakingPositions"
	"github.com/composablefi/picasso-indexer/pkg/chainState/stateManager"
	"github.com/composablefi/picasso-indexer/pkg/clients/picasso"
	"github.com/composablefi/picasso-indexer/pkg/fetcher"
	"github.com/composablefi/picasso-indexer/pkg/indexer"
	"github.com/composablefi/picasso-indexer/pkg/lockedValue"
	"github.com/composablefi/picasso-indexer/pkg/postgres"
	"github.com/composablefi/picasso-indexer/pkg/storage"
	pgStorage "github.com/composablefi/picasso-indexer/pkg/storage/postgres"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const baseUrl = "http://localhost:8080/graphql"

const ownerAddress = "5yNZjX24n2eg7W6EVamaTXNQbWCwchhThEaSWB7V3GRjtHeL"

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
	cfg.ChainRpcConfig.BaseUrl = baseUrl
	cfg.ChainRpcConfig.FetchBatchSize = 10
	cfg.ChainRpcConfig.PrefetchBlocks = 2

	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

	dbname, _, grm, err := postgres.GetTestPostgresDatabase(&cfg.DatabaseConfig, l)
	if err != nil {
		return dbname, nil, nil, nil, err
	}

	return dbname, grm, l, cfg, nil
}

func newPipeline(t *testing.T, grm *gorm.DB, l *zap.Logger, cfg *config.Config) *Pipeline {
	client := picasso.NewClient(picasso.ConvertGlobalConfigToPicassoConfig(&cfg.ChainRpcConfig), l)
	client.SetHttpClient(&http.Client{
		Transport: httpmock.DefaultTransport,
	})

	metricsClients, err := metrics.InitMetricsSinksFromConfig(cfg, l)
	if err != nil {
		t.Fatal(err)
	}
	sink, err := metrics.NewMetricsSink(&metrics.MetricsSinkConfig{}, metricsClients)
	if err != nil {
		t.Fatal(err)
	}

	bs := pgStorage.NewPostgresBlockStore(grm, l, cfg)

	csm := stateManager.NewChainStateManager(l, grm)
	if _, err := pabloPools.NewPabloPoolsModel(csm, grm, l, cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := bondedFinance.NewBondedFinanceModel(csm, grm, l, cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := stakingPositions.NewStakingPositionsModel(csm, grm, l, cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := rewardPools.NewRewardPoolsModel(csm, grm, l, cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := accounts.NewAccountsModel(csm, grm, l, cfg); err != nil {
		t.Fatal(err)
	}
	csm.ResolveRoutes()

	fetchr := fetcher.NewFetcher(client, cfg, l)
	idxr := indexer.NewIndexer(bs, cfg, l)
	lvc := lockedValue.NewCalculator(grm, l, cfg)

	return NewPipeline(fetchr, idxr, bs, csm, lvc, sink, l)
}

func mockBlockResponder(t *testing.T, height uint64, events string) {
	body := fmt.Sprintf(`{"jsonrpc": "2.0", "id": 1, "result": {
		"height": %d,
		"hash": "0x%064x",
		"parentHash": "0x%064x",
		"timestamp": %d,
		"events": [%s]
	}}`, height, height, height-1, 1708000000000+height*12000, events)
	httpmock.RegisterResponder("POST", baseUrl, httpmock.NewStringResponder(200, body))
}

func Test_Pipeline(t *testing.T) {
	dbName, grm, l, cfg, err := setup()

	if err != nil {
		t.Fatal(err)
	}

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	t.Run("Should process a block end to end", func(t *testing.T) {
		p := newPipeline(t, grm, l, cfg)

		mockBlockResponder(t, 100, `
			{"eventIndex": 0, "pallet": "bondedFinance", "eventName": "NewOffer", "transactionId": "100-1", "args": {"offerId": 1, "beneficiary": "`+ownerAddress+`", "assetId": 1}},
			{"eventIndex": 1, "pallet": "bondedFinance", "eventName": "NewBond", "transactionId": "100-2", "args": {"offerId": 1, "who": "`+ownerAddress+`", "amount": "100"}},
			{"eventIndex": 2, "pallet": "stakingRewards", "eventName": "Staked", "transactionId": "100-3", "args": {"positionId": 1, "owner": "`+ownerAddress+`", "assetId": 1, "amount": "1000", "duration": 604800}}
		`)

		err := p.RunForBlock(context.Background(), 100)
		assert.Nil(t, err)

		// raw rows landed
		block, err := p.BlockStore.GetBlockByHeight(100)
		assert.Nil(t, err)
		assert.NotNil(t, block)

		events, err := p.BlockStore.ListBlockEvents(100)
		assert.Nil(t, err)
		assert.Equal(t, 3, len(events))

		// projections landed
		offer := &bondedFinance.BondOffer{}
		res := grm.Model(&bondedFinance.BondOffer{}).Where("offer_id = ?", "1").First(&offer)
		assert.Nil(t, res.Error)
		assert.Equal(t, "100", offer.TotalPurchased)

		position := &stakingPositions.StakingPosition{}
		res = grm.Model(&stakingPositions.StakingPosition{}).Where("position_id = ?", "1").First(&position)
		assert.Nil(t, res.Error)
		assert.Equal(t, "1000", position.Amount)

		var activityCount int64
		res = grm.Model(&accounts.Activity{}).Where("block_height = ?", 100).Count(&activityCount)
		assert.Nil(t, res.Error)
		assert.Equal(t, int64(3), activityCount)

		// checkpoint advanced with a state root
		checkpoint, err := p.BlockStore.GetCheckpoint()
		assert.Nil(t, err)
		assert.NotNil(t, checkpoint)
		assert.Equal(t, uint64(100), checkpoint.BlockHeight)
		assert.True(t, len(checkpoint.StateRoot) > 0)

		// the locked value series covers the block's bucket
		var lockedCount int64
		res = grm.Model(&lockedValue.HistoricalLockedValue{}).Count(&lockedCount)
		assert.Nil(t, res.Error)
		assert.True(t, lockedCount > 0)
	})
	t.Run("Should skip a block at or below the checkpoint without refetching", func(t *testing.T) {
		p := newPipeline(t, grm, l, cfg)

		// no responder calls expected; a fetch would fail loudly
		httpmock.Reset()

		err := p.RunForBlock(context.Background(), 100)
		assert.Nil(t, err)

		var offerCount int64
		res := grm.Model(&bondedFinance.BondOffer{}).Count(&offerCount)
		assert.Nil(t, res.Error)
		assert.Equal(t, int64(1), offerCount)
	})
	t.Run("Should record a call error for an unknown pallet and commit the rest", func(t *testing.T) {
		p := newPipeline(t, grm, l, cfg)

		mockBlockResponder(t, 101, `
			{"eventIndex": 0, "pallet": "vesting", "eventName": "Claimed", "transactionId": "101-1", "args": {"who": "`+ownerAddress+`", "amount": "5"}},
			{"eventIndex": 1, "pallet": "bondedFinance", "eventName": "NewBond", "transactionId": "101-2", "args": {"offerId": 1, "who": "`+ownerAddress+`", "amount": "50"}}
		`)

		err := p.RunForBlock(context.Background(), 101)
		assert.Nil(t, err)

		callErrors := []stateManager.CallError{}
		res := grm.Model(&stateManager.CallError{}).Where("block_height = ?", 101).Find(&callErrors)
		assert.Nil(t, res.Error)
		assert.Equal(t, 1, len(callErrors))
		assert.Equal(t, "vesting", callErrors[0].Section)
		assert.Equal(t, "Claimed", callErrors[0].Name)

		offer := &bondedFinance.BondOffer{}
		res = grm.Model(&bondedFinance.BondOffer{}).Where("offer_id = ?", "1").First(&offer)
		assert.Nil(t, res.Error)
		assert.Equal(t, "150", offer.TotalPurchased)
	})
	t.Run("Should fail without committing when a block references missing state", func(t *testing.T) {
		p := newPipeline(t, grm, l, cfg)

		mockBlockResponder(t, 102, `
			{"eventIndex": 0, "pallet": "bondedFinance", "eventName": "NewBond", "transactionId": "102-1", "args": {"offerId": 999, "who": "`+ownerAddress+`", "amount": "1"}}
		`)

		err := p.RunForBlock(context.Background(), 102)
		assert.NotNil(t, err)

		checkpoint, err := p.BlockStore.GetCheckpoint()
		assert.Nil(t, err)
		assert.Equal(t, uint64(101), checkpoint.BlockHeight)

		// the raw block row stays, entities and checkpoint do not move
		block, err := p.BlockStore.GetBlockByHeight(102)
		assert.Nil(t, err)
		assert.NotNil(t, block)
	})
	t.Run("Should reject a refetched block whose hash changed", func(t *testing.T) {
		p := newPipeline(t, grm, l, cfg)

		// same height as the stored block 101 but a different hash
		body := fmt.Sprintf(`{"jsonrpc": "2.0", "id": 1, "result": {
			"height": 101,
			"hash": "0xdeadbeef",
			"parentHash": "0x%064x",
			"timestamp": %d,
			"events": []
		}}`, 100, 1708000000000+101*12000)
		httpmock.RegisterResponder("POST", baseUrl, httpmock.NewStringResponder(200, body))

		block, err := p.Fetcher.FetchBlock(context.Background(), 101)
		assert.Nil(t, err)

		err = p.RunForFetchedBlock(context.Background(), block)
		assert.NotNil(t, err)
	})
	t.Run("Should converge on identical state when a block is replayed", func(t *testing.T) {
		p := newPipeline(t, grm, l, cfg)

		mockBlockResponder(t, 110, `
			{"eventIndex": 0, "pallet": "pablo", "eventName": "PoolCreated", "transactionId": "110-1", "args": {"poolId": 50, "owner": "`+ownerAddress+`", "lpTokenId": 150, "quoteAssetId": 130}},
			{"eventIndex": 1, "pallet": "pablo", "eventName": "LiquidityAdded", "transactionId": "110-2", "args": {"poolId": 50, "who": "`+ownerAddress+`", "baseAmount": "700", "quoteAmount": "300", "mintedLp": "400"}},
			{"eventIndex": 2, "pallet": "stakingRewards", "eventName": "Staked", "transactionId": "110-3", "args": {"positionId": 60, "owner": "`+ownerAddress+`", "assetId": 1, "amount": "2000", "duration": 3600}}
		`)

		err := p.RunForBlock(context.Background(), 110)
		assert.Nil(t, err)

		firstPool := &pabloPools.PabloPool{}
		res := grm.Model(&pabloPools.PabloPool{}).Where("pool_id = ?", "50").First(&firstPool)
		assert.Nil(t, res.Error)

		firstPosition := &stakingPositions.StakingPosition{}
		res = grm.Model(&stakingPositions.StakingPosition{}).Where("position_id = ?", "60").First(&firstPosition)
		assert.Nil(t, res.Error)

		firstActivities := []accounts.Activity{}
		res = grm.Model(&accounts.Activity{}).Where("block_height = ?", 110).Order("id asc").Find(&firstActivities)
		assert.Nil(t, res.Error)
		assert.Equal(t, 3, len(firstActivities))

		firstCheckpoint, err := p.BlockStore.GetCheckpoint()
		assert.Nil(t, err)
		assert.Equal(t, uint64(110), firstCheckpoint.BlockHeight)

		// crash recovery deletes the derived and raw rows for the block and
		// resumes from the previous checkpoint
		err = p.stateManager.DeleteCorruptedState(110, 110)
		assert.Nil(t, err)
		err = p.BlockStore.DeleteCorruptedState(110, 110)
		assert.Nil(t, err)
		res = grm.Model(&storage.Checkpoint{}).Where("id = ?", storage.CheckpointRowId).
			Updates(map[string]interface{}{"block_height": 101, "state_root": ""})
		assert.Nil(t, res.Error)

		var poolCount int64
		res = grm.Model(&pabloPools.PabloPool{}).Where("pool_id = ?", "50").Count(&poolCount)
		assert.Nil(t, res.Error)
		assert.Equal(t, int64(0), poolCount)

		err = p.RunForBlock(context.Background(), 110)
		assert.Nil(t, err)

		secondPool := &pabloPools.PabloPool{}
		res = grm.Model(&pabloPools.PabloPool{}).Where("pool_id = ?", "50").First(&secondPool)
		assert.Nil(t, res.Error)
		assert.Equal(t, firstPool, secondPool)

		secondPosition := &stakingPositions.StakingPosition{}
		res = grm.Model(&stakingPositions.StakingPosition{}).Where("position_id = ?", "60").First(&secondPosition)
		assert.Nil(t, res.Error)
		assert.Equal(t, firstPosition, secondPosition)

		secondActivities := []accounts.Activity{}
		res = grm.Model(&accounts.Activity{}).Where("block_height = ?", 110).Order("id asc").Find(&secondActivities)
		assert.Nil(t, res.Error)
		assert.Equal(t, len(firstActivities), len(secondActivities))
		for i := range firstActivities {
			assert.Equal(t, firstActivities[i].Id, secondActivities[i].Id)
			assert.Equal(t, firstActivities[i].TransactionId, secondActivities[i].TransactionId)
		}

		secondCheckpoint, err := p.BlockStore.GetCheckpoint()
		assert.Nil(t, err)
		assert.Equal(t, uint64(110), secondCheckpoint.BlockHeight)
		assert.Equal(t, firstCheckpoint.StateRoot, secondCheckpoint.StateRoot)
	})
	t.Cleanup(func() {
		postgres.TeardownTestDatabase(dbName, cfg, grm, l)
	})
}
