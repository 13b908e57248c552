package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mikuai/internal/config"
)

func TestOpenAndMigrateSQLite(t *testing.T) {
	for _, driver := range []string{"sqlite3", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			dsn := filepath.Join(t.TempDir(), "nested", "chat.db")
			cfg := &config.Config{Databases: map[string]config.DatabaseConfig{driver: {DSN: dsn}}}

			db, err := Open(driver, cfg)
			require.NoError(t, err)
			defer db.Close()

			require.NoError(t, Migrate(db, driver))
			// Migrations are idempotent.
			require.NoError(t, Migrate(db, driver))

			_, err = db.Exec(`INSERT INTO messages (chat_id, sender, message) VALUES (999, 'user', 'orphan')`)
			assert.Error(t, err, "foreign keys must be enforced")
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"oracle": {DSN: "x"}}}
	_, err := Open("oracle", cfg)
	require.Error(t, err)

	_, err = Open("sqlite3", cfg)
	require.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "a.db?_foreign_keys=on&_busy_timeout=5000", sqliteDSN("sqlite3", "a.db"))
	assert.Equal(t, "a.db?mode=rwc&_foreign_keys=on&_busy_timeout=5000", sqliteDSN("sqlite3", "a.db?mode=rwc"))
	assert.Contains(t, sqliteDSN("sqlite", "a.db"), "_pragma=foreign_keys(1)")
	assert.Equal(t, ":memory:?_foreign_keys=on&_busy_timeout=5000", sqliteDSN("sqlite3", ":memory:"))
}

func TestOpenInMemorySQLiteKeepsSchema(t *testing.T) {
	for _, driver := range []string{"sqlite3", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			cfg := &config.Config{Databases: map[string]config.DatabaseConfig{driver: {DSN: ":memory:"}}}
			db, err := Open(driver, cfg)
			require.NoError(t, err)
			defer db.Close()

			require.NoError(t, Migrate(db, driver))

			res, err := db.Exec(`INSERT INTO chats (name) VALUES ('scratch')`)
			require.NoError(t, err)
			chatID, err := res.LastInsertId()
			require.NoError(t, err)
			_, err = db.Exec(`INSERT INTO messages (chat_id, sender, message) VALUES (?, 'user', 'hi')`, chatID)
			require.NoError(t, err)

			_, err = db.Exec(`DELETE FROM chats WHERE id = ?`, chatID)
			require.NoError(t, err)
			var n int
			require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n))
			assert.Zero(t, n, "messages must cascade with their chat")

			_, err = db.Exec(`INSERT INTO messages (chat_id, sender, message) VALUES (999, 'user', 'orphan')`)
			assert.Error(t, err, "foreign keys must be enforced")
		})
	}
}

func TestIsSQLite(t *testing.T) {
	assert.True(t, IsSQLite("SQLite3"))
	assert.True(t, IsSQLite("sqlite"))
	assert.False(t, IsSQLite("mysql"))
}
