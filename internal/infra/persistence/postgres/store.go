// Package postgres provides a Postgres-backed persistent store. Transactions
// run on the in-memory engine inside a Postgres transaction that first locks
// the revision row, so several clients sharing the database serialize their
// writes and reload each other's commits. Only the rows a transaction touched
// are written.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"shelflife/internal/infra/persistence/memory"
	"shelflife/pkg/domain"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.Snapshotter     = (*Store)(nil)
	_ memory.Backend         = (*backend)(nil)
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/shelflife?sslmode=disable"

	// uniqueViolation is the SQLSTATE for a unique constraint failure.
	uniqueViolation = "23505"
	revisionRow     = 1
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		product_name TEXT NOT NULL,
		description TEXT NOT NULL,
		test_date DATE NOT NULL,
		status TEXT NOT NULL,
		sample_count INTEGER NOT NULL CHECK (sample_count >= 0),
		owner_employee_id TEXT NOT NULL,
		approved_by TEXT,
		approved_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS samples (
		id TEXT PRIMARY KEY,
		display_id TEXT NOT NULL UNIQUE,
		owner TEXT NOT NULL,
		maturation_date DATE,
		status TEXT NOT NULL,
		batch_id TEXT REFERENCES batches(id),
		submitted_by TEXT NOT NULL,
		reviewer_group TEXT NOT NULL,
		rejection_reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS revision (
		id INTEGER PRIMARY KEY,
		version BIGINT NOT NULL
	)`,
}

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using dsn (falls back to defaultDSN),
// ensures the schema exists, and loads and validates the stored state.
func NewStore(dsn string, engine *domain.RulesEngine, opts ...memory.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{Store: memory.NewStore(engine, opts...), db: db}
	s.SetBackend(&backend{db: db})
	if err := s.Refresh(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, seedRevision, revisionRow, 0); err != nil {
		return fmt.Errorf("seed revision: %w", err)
	}
	return nil
}

const (
	seedRevision   = `INSERT INTO revision (id, version) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
	selectRevision = `SELECT version FROM revision WHERE id = $1`
	lockRevision   = selectRevision + ` FOR UPDATE`
	updateRevision = `UPDATE revision SET version = $1 WHERE id = $2`

	selectBatches = `SELECT id, product_name, description, test_date, status, sample_count, owner_employee_id, approved_by, approved_at, created_at, updated_at FROM batches`
	selectSamples = `SELECT id, display_id, owner, maturation_date, status, batch_id, submitted_by, reviewer_group, rejection_reason, created_at, updated_at FROM samples`
	upsertBatch   = `INSERT INTO batches (id, product_name, description, test_date, status, sample_count, owner_employee_id, approved_by, approved_at, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) ` +
		`ON CONFLICT (id) DO UPDATE SET product_name = excluded.product_name, description = excluded.description, test_date = excluded.test_date, status = excluded.status, sample_count = excluded.sample_count, ` +
		`owner_employee_id = excluded.owner_employee_id, approved_by = excluded.approved_by, approved_at = excluded.approved_at, updated_at = excluded.updated_at`
	upsertSample = `INSERT INTO samples (id, display_id, owner, maturation_date, status, batch_id, submitted_by, reviewer_group, rejection_reason, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) ` +
		`ON CONFLICT (id) DO UPDATE SET owner = excluded.owner, maturation_date = excluded.maturation_date, status = excluded.status, submitted_by = excluded.submitted_by, ` +
		`reviewer_group = excluded.reviewer_group, rejection_reason = excluded.rejection_reason, updated_at = excluded.updated_at`
	deleteSample = `DELETE FROM samples WHERE id = $1`
)

type backend struct {
	db *sql.DB
}

// Begin implements memory.Backend. Writers lock the revision row, which
// holds off every other writer until this transaction ends.
func (b *backend) Begin(ctx context.Context, write bool) (memory.BackendTx, error) {
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: !write})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	query := selectRevision
	if write {
		query = lockRevision
	}
	return &backendTx{tx: tx, revisionQuery: query}, nil
}

type backendTx struct {
	tx            *sql.Tx
	revisionQuery string
}

func (t *backendTx) Version(ctx context.Context) (int64, error) {
	var version int64
	if err := t.tx.QueryRowContext(ctx, t.revisionQuery, revisionRow).Scan(&version); err != nil {
		return 0, fmt.Errorf("select revision: %w", err)
	}
	return version, nil
}

func (t *backendTx) Load(ctx context.Context) (domain.Snapshot, error) {
	snapshot := domain.Snapshot{
		Batches: make(map[string]domain.Batch),
		Samples: make(map[string]domain.Sample),
	}
	if err := loadBatches(ctx, t.tx, snapshot.Batches); err != nil {
		return domain.Snapshot{}, err
	}
	if err := loadSamples(ctx, t.tx, snapshot.Samples); err != nil {
		return domain.Snapshot{}, err
	}
	return snapshot, nil
}

func loadBatches(ctx context.Context, q *sql.Tx, into map[string]domain.Batch) error {
	rows, err := q.QueryContext(ctx, selectBatches)
	if err != nil {
		return fmt.Errorf("select batches: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			b          domain.Batch
			status     string
			count      int64
			approvedBy sql.NullString
			approvedAt sql.NullTime
		)
		if err := rows.Scan(&b.ID, &b.ProductName, &b.Description, &b.TestDate, &status, &count, &b.OwnerEmployeeID, &approvedBy, &approvedAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return fmt.Errorf("scan batch: %w", err)
		}
		b.Status = domain.BatchStatus(status)
		b.SampleCount = int(count)
		b.ApprovedBy = approvedBy.String
		if approvedAt.Valid {
			t := approvedAt.Time.UTC()
			b.ApprovedAt = &t
		}
		b.TestDate = domain.DateOf(b.TestDate)
		into[b.ID] = b
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate batches: %w", err)
	}
	return nil
}

func loadSamples(ctx context.Context, q *sql.Tx, into map[string]domain.Sample) error {
	rows, err := q.QueryContext(ctx, selectSamples)
	if err != nil {
		return fmt.Errorf("select samples: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			s          domain.Sample
			status     string
			maturation sql.NullTime
			batchID    sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.DisplayID, &s.Owner, &maturation, &status, &batchID, &s.SubmittedBy, &s.ReviewerGroup, &s.RejectionReason, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return fmt.Errorf("scan sample: %w", err)
		}
		s.Status = domain.SampleStatus(status)
		if maturation.Valid {
			s.MaturationDate = domain.DatePtr(maturation.Time)
		}
		if batchID.Valid {
			id := batchID.String
			s.BatchID = &id
		}
		into[s.ID] = s
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate samples: %w", err)
	}
	return nil
}

// Write applies the rows touched by commit and advances the revision. A
// replacing write clears both tables first.
func (t *backendTx) Write(ctx context.Context, commit memory.Commit) error {
	next := commit.Next
	var batchIDs, sampleIDs []string
	if commit.Replace {
		if _, err := t.tx.ExecContext(ctx, `TRUNCATE TABLE samples, batches`); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
		batchIDs, sampleIDs = sortedKeys(next.Batches), sortedKeys(next.Samples)
	} else {
		batchIDs, sampleIDs = touched(commit.Changes)
	}
	// Deletes go first so a released display id can be taken again.
	for _, id := range sampleIDs {
		if _, kept := next.Samples[id]; kept || commit.Replace {
			continue
		}
		if _, err := t.tx.ExecContext(ctx, deleteSample, id); err != nil {
			return fmt.Errorf("delete sample %s: %w", id, err)
		}
	}
	for _, id := range batchIDs {
		b, ok := next.Batches[id]
		if !ok {
			continue
		}
		if _, err := t.tx.ExecContext(ctx, upsertBatch,
			b.ID, b.ProductName, b.Description, b.TestDate, string(b.Status), b.SampleCount,
			b.OwnerEmployeeID, nullString(b.ApprovedBy), nullTime(b.ApprovedAt), b.CreatedAt, b.UpdatedAt,
		); err != nil {
			return fmt.Errorf("write batch %s: %w", b.ID, err)
		}
	}
	for _, id := range sampleIDs {
		sm, ok := next.Samples[id]
		if !ok {
			continue
		}
		var batchID any
		if sm.BatchID != nil {
			batchID = *sm.BatchID
		}
		if _, err := t.tx.ExecContext(ctx, upsertSample,
			sm.ID, sm.DisplayID, sm.Owner, nullTime(sm.MaturationDate), string(sm.Status), batchID,
			sm.SubmittedBy, sm.ReviewerGroup, sm.RejectionReason, sm.CreatedAt, sm.UpdatedAt,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return &domain.ConflictError{Entity: domain.EntitySample, Field: "display_id", Value: sm.DisplayID}
			}
			return fmt.Errorf("write sample %s: %w", sm.DisplayID, err)
		}
	}
	if _, err := t.tx.ExecContext(ctx, updateRevision, commit.Version, revisionRow); err != nil {
		return fmt.Errorf("update revision: %w", err)
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

// touched lists the batch and sample ids changes wrote, sorted.
func touched(changes []domain.Change) (batchIDs, sampleIDs []string) {
	batches := make(map[string]struct{})
	samples := make(map[string]struct{})
	for _, ch := range changes {
		switch ch.Entity {
		case domain.EntityBatch:
			batches[ch.EntityID()] = struct{}{}
		case domain.EntitySample:
			samples[ch.EntityID()] = struct{}{}
		}
	}
	return sortedKeys(batches), sortedKeys(samples)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
