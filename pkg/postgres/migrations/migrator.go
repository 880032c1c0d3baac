package migrations

import (
	"database/sql"
	"fmt"
	"time"

	_202401151200_bootstrapDb "github.com/composablefi/picasso-indexer/pkg/postgres/migrations/202401151200_bootstrapDb"
	_202401161030_coreEntities "github.com/composablefi/picasso-indexer/pkg/postgres/migrations/202401161030_coreEntities"
	_202401171405_pabloPools "github.com/composablefi/picasso-indexer/pkg/postgres/migrations/202401171405_pabloPools"
	_202401181122_bondedFinance "github.com/composablefi/picasso-indexer/pkg/postgres/migrations/202401181122_bondedFinance"
	_202401221017_stakingPositions "github.com/composablefi/picasso-indexer/pkg/postgres/migrations/202401221017_stakingPositions"
	_202401231440_rewardPools "github.com/composablefi/picasso-indexer/pkg/postgres/migrations/202401231440_rewardPools"
	_202402051310_historicalLockedValue "github.com/composablefi/picasso-indexer/pkg/postgres/migrations/202402051310_historicalLockedValue"
	_202402121101_addEventIndexes "github.com/composablefi/picasso-indexer/pkg/postgres/migrations/202402121101_addEventIndexes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Migration interface {
	Up(db *sql.DB, grm *gorm.DB) error
	GetName() string
}

type Migrator struct {
	Db     *sql.DB
	GDb    *gorm.DB
	Logger *zap.Logger
}

func NewMigrator(db *sql.DB, gDb *gorm.DB, l *zap.Logger) *Migrator {
	_ = gDb.AutoMigrate(&Migrations{})
	return &Migrator{
		Db:     db,
		GDb:    gDb,
		Logger: l,
	}
}

func (m *Migrator) MigrateAll() error {
	migrations := []Migration{
		&_202401151200_bootstrapDb.Migration{},
		&_202401161030_coreEntities.Migration{},
		&_202401171405_pabloPools.Migration{},
		&_202401181122_bondedFinance.Migration{},
		&_202401221017_stakingPositions.Migration{},
		&_202401231440_rewardPools.Migration{},
		&_202402051310_historicalLockedValue.Migration{},
		&_202402121101_addEventIndexes.Migration{},
	}

	for _, migration := range migrations {
		err := m.Migrate(migration)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) Migrate(migration Migration) error {
	name := migration.GetName()

	var migrationRecord Migrations
	result := m.GDb.Find(&migrationRecord, "name = ?", name).Limit(1)

	if result.Error == nil && result.RowsAffected == 0 {
		m.Logger.Sugar().Infof("Running migration '%s'", name)
		err := migration.Up(m.Db, m.GDb)
		if err != nil {
			m.Logger.Sugar().Errorw(fmt.Sprintf("Failed to run migration '%s'", name), zap.Error(err))
			return err
		}

		migrationRecord = Migrations{
			Name: name,
		}
		result = m.GDb.Create(&migrationRecord)
		if result.Error != nil {
			m.Logger.Sugar().Errorw(fmt.Sprintf("Failed to record migration '%s'", name), zap.Error(result.Error))
			return result.Error
		}
	} else if result.Error != nil {
		m.Logger.Sugar().Errorw(fmt.Sprintf("Failed to find migration '%s'", name), zap.Error(result.Error))
		return result.Error
	} else if result.RowsAffected > 0 {
		m.Logger.Sugar().Debugf("Migration %s already run", name)
		return nil
	}
	return nil
}

type Migrations struct {
	Name      string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"default:current_timestamp;type:timestamp with time zone"`
	UpdatedAt time.Time `gorm:"default:null;type:timestamp with time zone"`
}
