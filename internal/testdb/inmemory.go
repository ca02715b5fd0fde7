package testdb

import (
	"bytes"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/kuitang/notesync/internal/db"
)

// Key is the fixed SQLCipher key used by in-memory test stores.
var Key = bytes.Repeat([]byte{0x42}, db.KeySize)

var storeCounter uint64

// NewStoreInMemory creates an in-memory encrypted Store for tests. Every call
// returns a distinct database.
func NewStoreInMemory(name string) (*db.Store, error) {
	if name == "" {
		name = "test-store"
	}
	name = fmt.Sprintf("%s-%d", name, atomic.AddUint64(&storeCounter, 1))

	dsn, err := db.DSN(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), Key)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(db.SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory store: %w", err)
	}

	// One connection: the in-memory database lives as long as it does, and
	// shared-cache table locks never contend.
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)

	var sqliteVersion string
	if err := sqlDB.QueryRow("SELECT sqlite_version()").Scan(&sqliteVersion); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to verify in-memory store: %w", err)
	}

	if err := applyFastSQLitePragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to apply fast SQLite pragmas: %w", err)
	}

	if _, err := sqlDB.Exec(db.Schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize in-memory schema: %w", err)
	}

	return db.NewStoreFromSQL(sqlDB, ":memory:"), nil
}

func applyFastSQLitePragmas(sqlDB *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=MEMORY",
		"PRAGMA synchronous=OFF",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA secure_delete=OFF",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return err
		}
	}
	return nil
}
