package postgres

import (
	"context"
	"database/sql"
	"errors"
	"shelflife/internal/infra/persistence/postgres/testutil"
	"shelflife/internal/infra/persistence/storetest"
	"shelflife/pkg/domain"
	"strings"
	"testing"
)

func openStub(t *testing.T, db *sql.DB, engine *domain.RulesEngine) *Store {
	t.Helper()
	restore := OverrideSQLOpen(testutil.Opener(db))
	defer restore()
	store, err := NewStore("", engine)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestPostgresStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, engine *domain.RulesEngine) storetest.Store {
		db, _ := testutil.NewStubDB()
		t.Cleanup(func() { _ = db.Close() })
		return openStub(t, db, engine)
	})
}

func TestNewStoreAppliesSchemaAndReloads(t *testing.T) {
	db, conn := testutil.NewStubDB()
	t.Cleanup(func() { _ = db.Close() })
	store := openStub(t, db, nil)

	var ddl int
	for _, stmt := range conn.Execs {
		if strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS") {
			ddl++
		}
	}
	if ddl != len(schema) {
		t.Fatalf("expected %d ddl statements, got %d: %v", len(schema), ddl, conn.Execs)
	}
	if store.DB() != db {
		t.Fatalf("expected DB accessor to expose the handle")
	}

	storetest.SeedBatch(t, store, "BATCH001")
	created := storetest.SeedSample(t, store, "SMP-1", "BATCH001")
	storetest.SeedSample(t, store, "SMP-2", "")
	if got := len(conn.Tables["batches"]); got != 1 {
		t.Fatalf("expected one batch row, got %d", got)
	}
	if got := len(conn.Tables["samples"]); got != 2 {
		t.Fatalf("expected two sample rows, got %d", got)
	}
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateBatch("BATCH001", func(b *domain.Batch) error {
			now := created.CreatedAt
			b.Status = domain.BatchStatusApproved
			b.ApprovedBy = "carol"
			b.ApprovedAt = &now
			return nil
		})
		return err
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	reloaded := openStub(t, db, nil)
	batch, ok := reloaded.GetBatch("BATCH001")
	if !ok || batch.SampleCount != 1 || batch.ApprovedBy != "carol" || batch.ApprovedAt == nil {
		t.Fatalf("unexpected reloaded batch: %+v", batch)
	}
	sample, ok := reloaded.GetSample(created.ID)
	if !ok || !sample.InBatch("BATCH001") || sample.MaturationDate == nil {
		t.Fatalf("unexpected reloaded sample: %+v", sample)
	}
	if err := reloaded.View(context.Background(), func(view domain.TransactionView) error {
		if found, ok := view.FindSampleByDisplayID("SMP-2"); !ok || found.BatchID != nil {
			t.Fatalf("expected unassigned sample reloaded, got %+v", found)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestPostgresCommitFailureLeavesStateUnchanged(t *testing.T) {
	db, conn := testutil.NewStubDB()
	t.Cleanup(func() { _ = db.Close() })
	store := openStub(t, db, nil)
	storetest.SeedBatch(t, store, "BATCH001")

	conn.FailCommit = true
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		id := "BATCH001"
		if _, err := tx.CreateSample(domain.Sample{DisplayID: "SMP-1", BatchID: &id}); err != nil {
			return err
		}
		_, err := tx.AdjustSampleCount(id, 1)
		return err
	})
	var failure *domain.CommitFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if got := len(store.ListSamples()); got != 0 {
		t.Fatalf("expected no visible samples, got %d", got)
	}
	if batch, _ := store.GetBatch("BATCH001"); batch.SampleCount != 0 {
		t.Fatalf("expected counter unchanged, got %d", batch.SampleCount)
	}
	if got := len(conn.Tables["samples"]); got != 0 {
		t.Fatalf("expected no persisted samples, got %d", got)
	}

	conn.FailCommit = false
	conn.FailTables = map[string]bool{"samples": true}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateSample(domain.Sample{DisplayID: "SMP-1"})
		return err
	})
	if !errors.Is(err, domain.ErrCommit) {
		t.Fatalf("expected insert failure reported as commit failure, got %v", err)
	}
	if conn.Rollbacks == 0 {
		t.Fatalf("expected rollback after failed insert")
	}
	if got := len(conn.Tables["batches"]); got != 1 {
		t.Fatalf("expected committed batch rows kept, got %d", got)
	}
}

func TestNewStoreErrors(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*testutil.StubConn)
		want  string
	}{
		{"ping", func(c *testutil.StubConn) { c.FailPing = true }, "ping postgres"},
		{"ddl", func(c *testutil.StubConn) { c.FailExec = true }, "execute ddl"},
		{"select", func(c *testutil.StubConn) { c.FailTables = map[string]bool{"samples": true} }, "select samples"},
		{"rows", func(c *testutil.StubConn) { c.RowsErr = errors.New("cursor lost") }, "iterate batches"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, conn := testutil.NewStubDB()
			t.Cleanup(func() { _ = db.Close() })
			tc.setup(conn)
			restore := OverrideSQLOpen(testutil.Opener(db))
			defer restore()
			_, err := NewStore("", nil)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, errors.New("no driver") })
	defer restore()
	if _, err := NewStore("postgres://example", nil); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestPostgresClientsShareOneDatabase(t *testing.T) {
	db, conn := testutil.NewStubDB()
	t.Cleanup(func() { _ = db.Close() })
	first := openStub(t, db, nil)
	second := openStub(t, db, nil)

	storetest.SeedBatch(t, first, "BATCH001")
	storetest.SeedSample(t, second, "SMP-A", "BATCH001")

	_, err := first.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateSample(domain.Sample{DisplayID: "SMP-A"})
		return err
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected display id conflict with the other client's sample, got %v", err)
	}
	storetest.SeedBatch(t, second, "BATCH002")

	if got := len(conn.Tables["batches"]); got != 2 {
		t.Fatalf("expected both clients' batches stored, got %d", got)
	}
	if got := len(conn.Tables["samples"]); got != 1 {
		t.Fatalf("expected one stored sample, got %d", got)
	}
	if rev := conn.Tables["revision"]; len(rev) != 1 || rev[0]["version"] != int64(3) {
		t.Fatalf("expected one revision row at version 3, got %v", rev)
	}
	batch, err := firstBatch(first, "BATCH001")
	if err != nil || batch.SampleCount != 1 {
		t.Fatalf("expected first client to reload counter 1, got %+v %v", batch, err)
	}
	for _, stmt := range conn.Execs {
		if strings.HasPrefix(stmt, "TRUNCATE") {
			t.Fatalf("expected row-level writes only, got %q", stmt)
		}
	}
}

func firstBatch(store *Store, id string) (domain.Batch, error) {
	var batch domain.Batch
	err := store.View(context.Background(), func(view domain.TransactionView) error {
		var ok bool
		if batch, ok = view.FindBatch(id); !ok {
			return &domain.NotFoundError{Entity: domain.EntityBatch, ID: id}
		}
		return nil
	})
	return batch, err
}

func TestPostgresUniqueViolationIsConflict(t *testing.T) {
	db, conn := testutil.NewStubDB()
	t.Cleanup(func() { _ = db.Close() })
	conn.Unique = map[string][]string{"samples": {"display_id"}}
	store := openStub(t, db, nil)

	// A row written without advancing the revision is invisible to the
	// store until the unique index rejects the duplicate.
	conn.Tables["samples"] = []testutil.Row{{"id": "foreign", "display_id": "SMP-1"}}
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateSample(domain.Sample{DisplayID: "SMP-1"})
		return err
	})
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Value != "SMP-1" {
		t.Fatalf("expected display id conflict, got %v", err)
	}
	if errors.Is(err, domain.ErrCommit) {
		t.Fatalf("expected conflict rather than commit failure, got %v", err)
	}
	if len(store.ListSamples()) != 0 || store.Version() != 0 {
		t.Fatalf("expected state unchanged after rejected write")
	}
}

func TestPostgresDeleteAndImportWrites(t *testing.T) {
	db, conn := testutil.NewStubDB()
	t.Cleanup(func() { _ = db.Close() })
	store := openStub(t, db, nil)
	storetest.SeedSample(t, store, "SMP-1", "")
	kept := storetest.SeedSample(t, store, "SMP-2", "")

	var doomed string
	for _, s := range store.ListSamples() {
		if s.DisplayID == "SMP-1" {
			doomed = s.ID
		}
	}
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.DeleteSample(doomed)
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rows := conn.Tables["samples"]; len(rows) != 1 || rows[0]["id"] != kept.ID {
		t.Fatalf("expected only %s stored, got %v", kept.ID, rows)
	}

	snapshot, err := store.ExportSnapshot(context.Background())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	storetest.SeedBatch(t, store, "BATCH009")
	if err := store.ImportSnapshot(context.Background(), snapshot); err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := len(conn.Tables["batches"]); got != 0 {
		t.Fatalf("expected import to replace batches, got %d rows", got)
	}
	if got := len(conn.Tables["samples"]); got != 1 {
		t.Fatalf("expected imported sample row, got %d", got)
	}
}

func TestNewStoreRejectsDuplicateStoredDisplayIDs(t *testing.T) {
	db, conn := testutil.NewStubDB()
	t.Cleanup(func() { _ = db.Close() })
	store := openStub(t, db, nil)
	first := storetest.SeedSample(t, store, "SMP-1", "")

	dup := testutil.Row{}
	for k, v := range conn.Tables["samples"][0] {
		dup[k] = v
	}
	dup["id"] = "copy-of-" + first.ID
	dup["display_id"] = " SMP-1"
	conn.Tables["samples"] = append(conn.Tables["samples"], dup)

	restore := OverrideSQLOpen(testutil.Opener(db))
	defer restore()
	_, err := NewStore("", nil)
	if !errors.Is(err, domain.ErrConflict) || !strings.Contains(err.Error(), "load state") {
		t.Fatalf("expected duplicate display id reported at open, got %v", err)
	}
}
