package _202401151200_bootstrapDb

import (
	"database/sql"

	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB) error {
	queries := []string{
		`create table if not exists blocks (
			height bigint not null primary key,
			hash varchar not null,
			parent_hash varchar not null,
			block_time timestamp with time zone not null,
			created_at timestamp with time zone default current_timestamp
		)`,
		`create table if not exists block_events (
			block_height bigint not null,
			event_index bigint not null,
			pallet varchar not null,
			event_name varchar not null,
			transaction_id varchar,
			args text not null,
			block_time timestamp with time zone not null,
			created_at timestamp with time zone default current_timestamp,
			unique(block_height, event_index)
		)`,
		`create table if not exists indexer_checkpoints (
			id int not null primary key default 1 check (id = 1),
			block_height bigint not null,
			block_hash varchar not null,
			state_root varchar not null default '',
			updated_at timestamp with time zone default current_timestamp
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
	return "202401151200_bootstrapDb"
}
