package _202402051310_historicalLockedValue

import (
	"database/sql"

	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB) error {
	queries := []string{
		`create table if not exists historical_locked_values (
			id varchar not null primary key,
			currency varchar not null,
			amount varchar not null default '0',
			timestamp timestamp with time zone not null,
			block_height bigint not null,
			unique(currency, timestamp)
		)`,
	}

	for _, query := range queries {
		if res := grm.Exec(query); res.Error != nil {
			return res.Error
		}
	}
	return nil
}

func (m *Migration) GetName() string {
	return "202402051310_historicalLockedValue"
}
