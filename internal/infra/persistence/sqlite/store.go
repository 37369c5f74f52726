// Package sqlite provides a SQLite-backed persistent store. Transactions run
// on the in-memory engine inside an immediate SQLite transaction, so several
// handles on one database file serialize their writes. The committed state is
// stored as JSON buckets next to a version row that every write advances.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"shelflife/internal/infra/persistence/memory"
	"shelflife/pkg/domain"
	"strconv"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.Snapshotter     = (*Store)(nil)
	_ memory.Backend         = (*backend)(nil)
)

const defaultPath = "shelflife.db"

const (
	bucketBatches = "batches"
	bucketSamples = "samples"
	bucketVersion = "version"
)

// dsnParams make every transaction take the write lock up front and wait
// for a competing handle instead of failing with SQLITE_BUSY.
const dsnParams = "?_txlock=immediate&_pragma=busy_timeout(5000)"

// Store persists the engine state to a single SQLite table.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the database at path, loads and
// validates the stored state, and routes every transaction through SQLite.
func NewStore(path string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection per handle; other handles are held off by the file lock.
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(engine, opts...), db: db, path: path}
	s.SetBackend(&backend{db: db})
	if err := s.Refresh(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	return s, nil
}

type backend struct {
	db *sql.DB
}

// Begin implements memory.Backend. The DSN makes every transaction
// immediate, so write has no extra effect here.
func (b *backend) Begin(ctx context.Context, _ bool) (memory.BackendTx, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &backendTx{tx: tx}, nil
}

type backendTx struct {
	tx *sql.Tx
}

func (t *backendTx) Version(ctx context.Context) (int64, error) {
	var payload []byte
	err := t.tx.QueryRowContext(ctx, `SELECT payload FROM state WHERE bucket = ?`, bucketVersion).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	version, err := strconv.ParseInt(string(payload), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode version: %w", err)
	}
	return version, nil
}

func (t *backendTx) Load(ctx context.Context) (domain.Snapshot, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot domain.Snapshot
	targets := map[string]any{
		bucketBatches: &snapshot.Batches,
		bucketSamples: &snapshot.Samples,
	}
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return domain.Snapshot{}, fmt.Errorf("scan: %w", err)
		}
		target, ok := targets[bucket]
		if !ok || len(payload) == 0 {
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return domain.Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
}

// Write stores both buckets from the full next state. The write lock taken
// by Begin keeps the rewrite from racing another handle.
func (t *backendTx) Write(ctx context.Context, commit memory.Commit) error {
	buckets := []struct {
		name  string
		value any
	}{
		{bucketBatches, commit.Next.Batches},
		{bucketSamples, commit.Next.Samples},
		{bucketVersion, commit.Version},
	}
	for _, b := range buckets {
		data, err := json.Marshal(b.value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", b.name, err)
		}
		if _, err := t.tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, b.name, data); err != nil {
			return fmt.Errorf("upsert %s: %w", b.name, err)
		}
	}
	return nil
}

func (t *backendTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *backendTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
