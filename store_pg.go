package docsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStoreSettings struct {
	SchemaName  string
	TableName   string
	KeyColumn   string
	StateColumn string
}

func DefaultPgStoreSettings() *PgStoreSettings {
	return &PgStoreSettings{
		SchemaName:  "public",
		TableName:   "documents",
		KeyColumn:   "name",
		StateColumn: "state",
	}
}

// PgStore is a RowStore on a Postgres table with a unique key column and a
// text snapshot column.
type PgStore struct {
	pool     *pgxpool.Pool
	settings *PgStoreSettings

	fetchSql  string
	upsertSql string
	deleteSql string
}

func NewPgStoreWithDefaults(pool *pgxpool.Pool) *PgStore {
	return NewPgStore(pool, DefaultPgStoreSettings())
}

func NewPgStore(pool *pgxpool.Pool, settings *PgStoreSettings) *PgStore {
	relation := fmt.Sprintf("%s.%s", settings.SchemaName, settings.TableName)
	return &PgStore{
		pool:     pool,
		settings: settings,
		fetchSql: fmt.Sprintf(
			`SELECT %s FROM %s WHERE %s = $1`,
			settings.StateColumn,
			relation,
			settings.KeyColumn,
		),
		upsertSql: fmt.Sprintf(
			`INSERT INTO %s (%s, %s) VALUES ($1, $2)
				ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s`,
			relation,
			settings.KeyColumn,
			settings.StateColumn,
			settings.KeyColumn,
			settings.StateColumn,
			settings.StateColumn,
		),
		deleteSql: fmt.Sprintf(
			`DELETE FROM %s WHERE %s = $1`,
			relation,
			settings.KeyColumn,
		),
	}
}

func (self *PgStore) Fetch(ctx context.Context, name string) (string, error) {
	var state string
	err := self.pool.QueryRow(ctx, self.fetchSql, name).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return state, nil
}

func (self *PgStore) Upsert(ctx context.Context, name string, state string) error {
	_, err := self.pool.Exec(ctx, self.upsertSql, name, state)
	return err
}

func (self *PgStore) Delete(ctx context.Context, name string) error {
	_, err := self.pool.Exec(ctx, self.deleteSql, name)
	return err
}
