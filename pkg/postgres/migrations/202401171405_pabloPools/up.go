package _202401171405_pabloPools

import (
	"database/sql"

	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB) error {
	queries := []string{
		`create table if not exists pablo_pools (
			pool_id varchar not null primary key,
			owner varchar not null,
			lp_token_id varchar not null,
			quote_asset_id varchar not null,
			total_liquidity varchar not null default '0',
			total_volume varchar not null default '0',
			total_fees varchar not null default '0',
			block_height bigint not null,
			block_time timestamp with time zone not null
		)`,
		`create table if not exists pablo_lp_tokens (
			lp_token_id varchar not null primary key,
			pool_id varchar not null,
			total_issued varchar not null default '0',
			block_height bigint not null,
			block_time timestamp with time zone not null
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
	return "202401171405_pabloPools"
}
