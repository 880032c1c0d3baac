package _202401161030_coreEntities

import (
	"database/sql"

	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB) error {
	queries := []string{
		`create table if not exists accounts (
			id varchar not null primary key,
			last_event_id varchar not null,
			last_block_height bigint not null,
			updated_at timestamp with time zone default current_timestamp
		)`,
		`create table if not exists activities (
			id varchar not null primary key,
			event_id varchar not null,
			transaction_id varchar,
			account_id varchar not null,
			block_height bigint not null,
			timestamp timestamp with time zone not null,
			created_at timestamp with time zone default current_timestamp
		)`,
		`create table if not exists call_errors (
			id varchar not null primary key,
			section varchar not null,
			name varchar not null,
			description text,
			block_height bigint not null,
			event_index bigint not null,
			created_at timestamp with time zone default current_timestamp
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
	return "202401161030_coreEntities"
}
