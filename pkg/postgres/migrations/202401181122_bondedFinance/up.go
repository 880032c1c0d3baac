package _202401181122_bondedFinance

import (
	"database/sql"

	"gorm.io/gorm"
)

type Migration struct {
}

func (m *Migration) Up(db *sql.DB, grm *gorm.DB) error {
	queries := []string{
		`create table if not exists bond_offers (
			offer_id varchar not null primary key,
			beneficiary varchar not null,
			asset_id varchar not null,
			total_purchased varchar not null default '0',
			cancelled boolean not null default false,
			block_height bigint not null
		)`,
		`create table if not exists bonded_finance_totals (
			id varchar not null primary key,
			purchased varchar not null default '0',
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
	return "202401181122_bondedFinance"
}
