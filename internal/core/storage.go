package core

import (
	"fmt"
	"shelflife/internal/config"
	badgerstore "shelflife/internal/infra/persistence/badger"
	"shelflife/internal/infra/persistence/memory"
	"shelflife/internal/infra/persistence/postgres"
	"shelflife/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = config.DriverMemory   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = config.DriverSQLite   // embedded sqlite file
	StoragePostgres StorageDriver = config.DriverPostgres // PostgreSQL server
	StorageBadger   StorageDriver = config.DriverBadger   // embedded badger directory
)

type (
	// MemoryStore is the in-memory transactional store.
	MemoryStore = memory.Store
	// SQLiteStore persists committed state to a sqlite file.
	SQLiteStore = sqlite.Store
	// PostgresStore persists committed state to PostgreSQL tables.
	PostgresStore = postgres.Store
	// BadgerStore writes records through native Badger transactions.
	BadgerStore = badgerstore.Store
)

// NewMemoryStore constructs an in-memory store backed by engine.
func NewMemoryStore(engine *RulesEngine) *MemoryStore { return memory.NewStore(engine) }

// NewSQLiteStore opens a sqlite-backed store at path.
func NewSQLiteStore(path string, engine *RulesEngine) (*SQLiteStore, error) {
	return sqlite.NewStore(path, engine)
}

// NewPostgresStore opens a Postgres-backed store using dsn.
func NewPostgresStore(dsn string, engine *RulesEngine) (*PostgresStore, error) {
	return postgres.NewStore(dsn, engine)
}

// NewBadgerStore opens a Badger database in dir.
func NewBadgerStore(dir string, engine *RulesEngine) (*BadgerStore, error) {
	return badgerstore.Open(dir, engine)
}

// OpenPersistentStore selects a backend from the storage configuration. An
// empty driver selects the in-memory store.
func OpenPersistentStore(cfg config.StorageConfig, engine *RulesEngine) (PersistentStore, error) {
	var (
		store PersistentStore
		err   error
	)
	switch StorageDriver(cfg.Driver) {
	case "", StorageMemory:
		return NewMemoryStore(engine), nil
	case StorageSQLite:
		store, err = NewSQLiteStore(cfg.SQLitePath, engine)
	case StoragePostgres:
		store, err = NewPostgresStore(cfg.PostgresDSN, engine)
	case StorageBadger:
		store, err = NewBadgerStore(cfg.BadgerDir, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}
