package _202401221017_stakingPositions

import (
	"database/sql"

	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB) error {
	queries := []string{
		`create table if not exists staking_positions (
			position_id varchar not null primary key,
			owner varchar not null,
			asset_id varchar not null,
			amount varchar not null,
			source varchar not null,
			duration bigint not null default 0,
			start_timestamp timestamp with time zone not null,
			end_timestamp timestamp with time zone,
			block_height bigint not null
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
	return "202401221017_stakingPositions"
}
