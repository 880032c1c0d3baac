package _202402121101_addEventIndexes

import (
	"database/sql"

	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB) error {
	queries := []string{
		`create index if not exists idx_block_events_block_height on block_events (block_height)`,
		`create index if not exists idx_activities_account_id on activities (account_id)`,
		`create index if not exists idx_call_errors_block_height on call_errors (block_height)`,
		`create index if not exists idx_historical_locked_values_currency_timestamp on historical_locked_values (currency, timestamp)`,
	}

	for _, query := range queries {
		if res := grm.Exec(query); res.Error != nil {
			return res.Error
		}
	}
	return nil
}

func (m *Migration) GetName() string {
	return "202402121101_addEventIndexes"
}
