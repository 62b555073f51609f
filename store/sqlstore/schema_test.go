package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	q := "UPDATE jobs SET status = ? WHERE id = ? AND version = ?"
	assert.Equal(t, q, sqlite.rebind(q))
	assert.Equal(t, "UPDATE jobs SET status = $1 WHERE id = $2 AND version = $3", postgres.rebind(q))
}

func TestSchemaStatements(t *testing.T) {
	for _, d := range []dialect{sqlite, postgres} {
		stmts := schemaStatements(d)
		assert.NotEmpty(t, stmts, d.String())
		for _, s := range stmts {
			assert.NotContains(t, s, ";")
		}
	}
}

func TestResolve(t *testing.T) {
	d, driver, dsn, err := resolve(Options{Driver: "sqlite3", DSN: "./data/shop.db"})
	assert.NoError(t, err)
	assert.Equal(t, sqlite, d)
	assert.Equal(t, "sqlite3", driver)
	assert.Equal(t, "file:./data/shop.db?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dsn)

	d, driver, _, err = resolve(Options{Driver: "postgres", DSN: "postgres://localhost/shop"})
	assert.NoError(t, err)
	assert.Equal(t, postgres, d)
	assert.Equal(t, "pgx", driver)
}
