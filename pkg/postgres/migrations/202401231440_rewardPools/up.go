package _202401231440_rewardPools

import (
	"database/sql"

	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB) error {
	queries := []string{
		`create table if not exists reward_pools (
			pool_id varchar not null primary key,
			owner varchar not null,
			asset_id varchar not null,
			block_height bigint not null
		)`,
		`create table if not exists rewards (
			reward_pool_id varchar not null references reward_pools(pool_id),
			asset_id varchar not null,
			rate_period varchar not null,
			rate_amount varchar not null,
			block_height bigint not null,
			primary key (reward_pool_id, rate_period)
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
	return "202401231440_rewardPools"
}
