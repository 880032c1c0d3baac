package postgres

import (
	"os"
	"testing"
	"time"

	"github.com/composablefi/picasso-indexer/internal/config"
	"github.com/composablefi/picasso-indexer/internal/logger"
	"github.com/composablefi/picasso-indexer/internal/tests"
	"github.com/composablefi/picasso-indexer/pkg/postgres"
	"github.com/composablefi/picasso-indexer/pkg/storage"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
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

func Test_PostgresBlockStore(t *testing.T) {
	dbName, grm, l, cfg, err := setup()

	if err != nil {
		t.Fatal(err)
	}

	bs := NewPostgresBlockStore(grm, l, cfg)

	t.Run("Should insert a block and read it back", func(t *testing.T) {
		block, err := bs.InsertBlockAtHeight(100, "0xaaa", "0x999", 1708000000000)
		assert.Nil(t, err)
		assert.Equal(t, uint64(100), block.Height)
		assert.Equal(t, time.UnixMilli(1708000000000).UTC(), block.BlockTime)

		stored, err := bs.GetBlockByHeight(100)
		assert.Nil(t, err)
		assert.NotNil(t, stored)
		assert.Equal(t, "0xaaa", stored.Hash)
	})
	t.Run("Should tolerate re-inserting the same height", func(t *testing.T) {
		_, err := bs.InsertBlockAtHeight(100, "0xaaa", "0x999", 1708000000000)
		assert.Nil(t, err)

		var count int64
		res := grm.Model(&storage.Block{}).Where("height = ?", 100).Count(&count)
		assert.Nil(t, res.Error)
		assert.Equal(t, int64(1), count)
	})
	t.Run("Should return nil for a missing block", func(t *testing.T) {
		block, err := bs.GetBlockByHeight(12345)
		assert.Nil(t, err)
		assert.Nil(t, block)
	})
	t.Run("Should return the highest block as latest", func(t *testing.T) {
		_, err := bs.InsertBlockAtHeight(101, "0xbbb", "0xaaa", 1708000012000)
		assert.Nil(t, err)

		latest, err := bs.GetLatestBlock()
		assert.Nil(t, err)
		assert.NotNil(t, latest)
		assert.Equal(t, uint64(101), latest.Height)
	})
	t.Run("Should store events and list them ordered by event index", func(t *testing.T) {
		blockTime := time.UnixMilli(1708000000000).UTC()
		events := []*storage.BlockEvent{
			{BlockHeight: 100, EventIndex: 2, Pallet: "pablo", EventName: "Swapped", Args: `{}`, BlockTime: blockTime},
			{BlockHeight: 100, EventIndex: 0, Pallet: "pablo", EventName: "PoolCreated", Args: `{}`, BlockTime: blockTime},
			{BlockHeight: 100, EventIndex: 1, Pallet: "bondedFinance", EventName: "NewOffer", Args: `{}`, BlockTime: blockTime},
		}
		_, err := bs.InsertBlockEvents(100, events)
		assert.Nil(t, err)

		// replays land on the unique (block_height, event_index) pair
		_, err = bs.InsertBlockEvents(100, events)
		assert.Nil(t, err)

		listed, err := bs.ListBlockEvents(100)
		assert.Nil(t, err)
		assert.Equal(t, 3, len(listed))
		for i, event := range listed {
			assert.Equal(t, uint64(i), event.EventIndex)
		}
	})
	t.Run("Should report no checkpoint before the first commit", func(t *testing.T) {
		checkpoint, err := bs.GetCheckpoint()
		assert.Nil(t, err)
		assert.Nil(t, checkpoint)
	})
	t.Run("Should read back the committed checkpoint", func(t *testing.T) {
		row := &storage.Checkpoint{
			Id:          storage.CheckpointRowId,
			BlockHeight: 101,
			BlockHash:   "0xbbb",
			StateRoot:   "0x123",
			UpdatedAt:   time.Now(),
		}
		res := grm.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"block_height", "block_hash", "state_root", "updated_at"}),
		}).Create(&row)
		assert.Nil(t, res.Error)

		checkpoint, err := bs.GetCheckpoint()
		assert.Nil(t, err)
		assert.NotNil(t, checkpoint)
		assert.Equal(t, uint64(101), checkpoint.BlockHeight)
		assert.Equal(t, "0x123", checkpoint.StateRoot)
	})
	t.Run("Should delete raw rows in a range", func(t *testing.T) {
		err := bs.DeleteCorruptedState(101, 0)
		assert.Nil(t, err)

		block, err := bs.GetBlockByHeight(101)
		assert.Nil(t, err)
		assert.Nil(t, block)

		// rows below the range stay
		kept, err := bs.GetBlockByHeight(100)
		assert.Nil(t, err)
		assert.NotNil(t, kept)

		events, err := bs.ListBlockEvents(100)
		assert.Nil(t, err)
		assert.Equal(t, 3, len(events))
	})
	t.Run("Should reject an inverted range", func(t *testing.T) {
		err := bs.DeleteCorruptedState(10, 5)
		assert.NotNil(t, err)
	})
	t.Cleanup(func() {
		postgres.TeardownTestDatabase(dbName, cfg, grm, l)
	})
}
