package lockedValue

import (
	"fmt"
	"time"

	"github.com/composablefi/picasso-indexer/internal/config"
	"github.com/composablefi/picasso-indexer/pkg/storage"
	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HistoricalLockedValue is one point of the per-currency locked value time
// series, bucketed to the configured interval. Re-running a bucket overwrites
// it, so replays and the scheduled refresh converge on the same row.
type HistoricalLockedValue struct {
	Id          string `gorm:"type:varchar;primaryKey"`
	Currency    string
	Amount      string
	Timestamp   time.Time
	BlockHeight uint64
}

// Calculator derives locked value per tracked currency from the open staking
// positions at a point in time.
type Calculator struct {
	logger       *zap.Logger
	DB           *gorm.DB
	globalConfig *config.Config
}

func NewCalculator(grm *gorm.DB, logger *zap.Logger, globalConfig *config.Config) *Calculator {
	return &Calculator{
		logger:       logger,
		DB:           grm,
		globalConfig: globalConfig,
	}
}

const lockedValueQuery = `
	select coalesce(sum(amount::numeric), 0)::varchar
	from staking_positions
	where asset_id = @assetId
	and start_timestamp <= @asOf
	and (end_timestamp is null or end_timestamp > @asOf)
`

// RefreshForBlock recomputes the bucket containing the block's timestamp for
// every tracked currency.
func (c *Calculator) RefreshForBlock(blockHeight uint64, blockTime time.Time) error {
	bucket := blockTime.UTC().Truncate(c.globalConfig.LockedValueConfig.BucketInterval)

	for assetId, symbol := range c.globalConfig.GetTrackedCurrenciesForChain() {
		var amount string
		res := c.DB.Raw(lockedValueQuery,
			map[string]interface{}{"assetId": assetId, "asOf": blockTime.UTC()},
		).Scan(&amount)
		if res.Error != nil {
			return xerrors.Errorf("failed to compute locked value for %s: %w", symbol, res.Error)
		}

		value := &HistoricalLockedValue{
			Id:          fmt.Sprintf("%s-%d", symbol, bucket.Unix()),
			Currency:    symbol,
			Amount:      amount,
			Timestamp:   bucket,
			BlockHeight: blockHeight,
		}
		res = c.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "currency"}, {Name: "timestamp"}},
			DoUpdates: clause.AssignmentColumns([]string{"amount", "block_height"}),
		}).Create(&value)
		if res.Error != nil {
			return res.Error
		}
		c.logger.Sugar().Debugw("Refreshed locked value",
			zap.String("currency", symbol),
			zap.String("amount", amount),
			zap.Time("bucket", bucket),
			zap.Uint64("blockHeight", blockHeight),
		)
	}
	return nil
}

// RefreshLatest recomputes the bucket for the most recently indexed block.
// Used by the scheduled refresh so the series stays current when the chain
// is quiet.
func (c *Calculator) RefreshLatest(bs storage.BlockStore) error {
	latest, err := bs.GetLatestBlock()
	if err != nil {
		return err
	}
	if latest == nil {
		c.logger.Sugar().Debugw("No blocks indexed yet, skipping locked value refresh")
		return nil
	}
	return c.RefreshForBlock(latest.Height, latest.BlockTime)
}
