package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/composablefi/picasso-indexer/internal/config"
	"github.com/composablefi/picasso-indexer/pkg/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PostgresBlockStore struct {
	Db           *gorm.DB
	Logger       *zap.Logger
	GlobalConfig *config.Config
}

func NewPostgresBlockStore(db *gorm.DB, l *zap.Logger, cfg *config.Config) *PostgresBlockStore {
	bs := &PostgresBlockStore{
		Db:           db,
		Logger:       l,
		GlobalConfig: cfg,
	}
	return bs
}

func (s *PostgresBlockStore) InsertBlockAtHeight(
	height uint64,
	hash string,
	parentHash string,
	blockTime uint64,
) (*storage.Block, error) {
	block := &storage.Block{
		Height:     height,
		Hash:       hash,
		ParentHash: parentHash,
		BlockTime:  time.UnixMilli(int64(blockTime)).UTC(),
	}

	// The same block may be re-inserted when resuming after a crash that
	// happened between inserting raw rows and committing entities.
	res := s.Db.Model(&storage.Block{}).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "height"}},
			DoNothing: true,
		}).
		Create(&block)

	if res.Error != nil {
		return nil, fmt.Errorf("failed to insert block at height '%d': %w", height, res.Error)
	}
	return block, nil
}

func (s *PostgresBlockStore) InsertBlockEvents(
	height uint64,
	events []*storage.BlockEvent,
) ([]*storage.BlockEvent, error) {
	if len(events) == 0 {
		return events, nil
	}
	res := s.Db.Model(&storage.BlockEvent{}).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "block_height"}, {Name: "event_index"}},
			DoNothing: true,
		}).
		Create(&events)

	if res.Error != nil {
		return nil, fmt.Errorf("failed to insert events for block '%d': %w", height, res.Error)
	}
	return events, nil
}

func (s *PostgresBlockStore) GetLatestBlock() (*storage.Block, error) {
	block := &storage.Block{}

	res := s.Db.Model(&storage.Block{}).Order("height desc").First(&block)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, res.Error
	}
	return block, nil
}

func (s *PostgresBlockStore) GetBlockByHeight(height uint64) (*storage.Block, error) {
	block := &storage.Block{}

	res := s.Db.Model(&storage.Block{}).Where("height = ?", height).First(&block)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, res.Error
	}
	return block, nil
}

func (s *PostgresBlockStore) ListBlockEvents(height uint64) ([]*storage.BlockEvent, error) {
	events := make([]*storage.BlockEvent, 0)

	res := s.Db.Model(&storage.BlockEvent{}).
		Where("block_height = ?", height).
		Order("event_index asc").
		Find(&events)
	if res.Error != nil {
		return nil, res.Error
	}
	return events, nil
}

func (s *PostgresBlockStore) GetCheckpoint() (*storage.Checkpoint, error) {
	checkpoint := &storage.Checkpoint{}

	res := s.Db.Model(&storage.Checkpoint{}).Where("id = ?", storage.CheckpointRowId).First(&checkpoint)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, res.Error
	}
	return checkpoint, nil
}

func (s *PostgresBlockStore) DeleteCorruptedState(startBlockHeight uint64, endBlockHeight uint64) error {
	if endBlockHeight != 0 && endBlockHeight < startBlockHeight {
		return errors.New("endBlockHeight must be greater than or equal to startBlockHeight")
	}

	for _, tableName := range []string{"block_events", "blocks"} {
		column := "block_height"
		if tableName == "blocks" {
			column = "height"
		}
		query := fmt.Sprintf("delete from %s where %s >= ?", tableName, column)
		args := []interface{}{startBlockHeight}
		if endBlockHeight > 0 {
			query += fmt.Sprintf(" and %s <= ?", column)
			args = append(args, endBlockHeight)
		}
		res := s.Db.Exec(query, args...)
		if res.Error != nil {
			s.Logger.Sugar().Errorw("Failed to delete corrupted state",
				zap.String("table", tableName),
				zap.Error(res.Error),
			)
			return res.Error
		}
	}
	return nil
}
