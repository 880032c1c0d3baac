package squid

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"testing"
	"time"

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
	"github.com/composablefi/picasso-indexer/pkg/pipeline"
	"github.com/composablefi/picasso-indexer/pkg/postgres"
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
	cfg.ChainRpcConfig.FetchBatchSize = 2
	cfg.ChainRpcConfig.PrefetchBlocks = 1

	l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

	dbname, _, grm, err := postgres.GetTestPostgresDatabase(&cfg.DatabaseConfig, l)
	if err != nil {
		return dbname, nil, nil, nil, err
	}

	return dbname, grm, l, cfg, nil
}

func newSquid(t *testing.T, grm *gorm.DB, l *zap.Logger, cfg *config.Config, genesisHeight uint64) *Squid {
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
	p := pipeline.NewPipeline(fetchr, idxr, bs, csm, lvc, sink, l)

	return NewSquid(&SquidConfig{GenesisBlockHeight: genesisHeight}, cfg, bs, p, csm, sink, l, client)
}

func blockResultJson(height uint64, events string) string {
	return fmt.Sprintf(`{
		"height": %d,
		"hash": "0x%064x",
		"parentHash": "0x%064x",
		"timestamp": %d,
		"events": [%s]
	}`, height, height, height-1, 1708000000000+height*12000, events)
}

// registerGatewayResponder serves the finalized tip on single calls and the
// given blocks on batch calls, counting how many batch requests arrive.
func registerGatewayResponder(tip uint64, eventsByHeight map[uint64]string, batchCalls *atomic.Int32) {
	httpmock.RegisterResponder("POST", baseUrl, func(req *http.Request) (*http.Response, error) {
		batch := []*picasso.RPCRequest{}
		if err := json.NewDecoder(req.Body).Decode(&batch); err == nil {
			batchCalls.Add(1)
			responses := make([]string, 0, len(batch))
			for _, r := range batch {
				height := uint64(r.Params.([]interface{})[0].(float64))
				responses = append(responses, fmt.Sprintf(`{"jsonrpc": "2.0", "id": %d, "result": %s}`,
					r.ID, blockResultJson(height, eventsByHeight[height])))
			}
			body := "[" + responses[0]
			for _, r := range responses[1:] {
				body += "," + r
			}
			body += "]"
			return httpmock.NewStringResponse(200, body), nil
		}

		// single call, the only one the driver makes is the finalized height
		return httpmock.NewStringResponse(200, fmt.Sprintf(`{"jsonrpc": "2.0", "id": 1, "result": %d}`, tip)), nil
	})
}

func Test_Squid(t *testing.T) {
	dbName, grm, l, cfg, err := setup()

	if err != nil {
		t.Fatal(err)
	}

	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	t.Run("Should catch up to the tip through the prefetched windows", func(t *testing.T) {
		s := newSquid(t, grm, l, cfg, 100)

		batchCalls := atomic.Int32{}
		registerGatewayResponder(103, map[uint64]string{
			100: `{"eventIndex": 0, "pallet": "bondedFinance", "eventName": "NewOffer", "transactionId": "100-1", "args": {"offerId": 7, "beneficiary": "` + ownerAddress + `", "assetId": 1}}`,
			102: `{"eventIndex": 0, "pallet": "bondedFinance", "eventName": "NewBond", "transactionId": "102-1", "args": {"offerId": 7, "who": "` + ownerAddress + `", "amount": "25"}}`,
		}, &batchCalls)

		go s.Start(context.Background())

		caughtUp := false
		for i := 0; i < 100; i++ {
			checkpoint, err := s.Storage.GetCheckpoint()
			assert.Nil(t, err)
			if checkpoint != nil && checkpoint.BlockHeight == 103 {
				caughtUp = true
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
		s.ShutdownChan <- true
		assert.True(t, caughtUp)

		// blocks arrived through the batched window fetch, not one by one
		assert.True(t, batchCalls.Load() >= 2)

		offer := &bondedFinance.BondOffer{}
		res := grm.Model(&bondedFinance.BondOffer{}).Where("offer_id = ?", "7").First(&offer)
		assert.Nil(t, res.Error)
		assert.Equal(t, "25", offer.TotalPurchased)

		for height := uint64(100); height <= 103; height++ {
			block, err := s.Storage.GetBlockByHeight(height)
			assert.Nil(t, err)
			assert.NotNil(t, block)
		}
	})
	t.Cleanup(func() {
		postgres.TeardownTestDatabase(dbName, cfg, grm, l)
	})
}
