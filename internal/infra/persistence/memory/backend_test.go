package memory

import (
	"context"
	"errors"
	"shelflife/internal/infra/persistence/storetest"
	"shelflife/pkg/domain"
	"sync"
	"testing"
)

// sharedRecords is a backend several stores can point at, standing in for a
// database file or server.
type sharedRecords struct {
	mu       sync.Mutex
	version  int64
	snapshot Snapshot
	writes   []Commit
	writeErr error
	loads    int
}

func (r *sharedRecords) Begin(_ context.Context, write bool) (BackendTx, error) {
	if write {
		r.mu.Lock()
	}
	return &sharedTx{records: r, locked: write}, nil
}

type sharedTx struct {
	records *sharedRecords
	locked  bool
	pending *Commit
}

func (t *sharedTx) Version(context.Context) (int64, error) { return t.records.version, nil }

func (t *sharedTx) Load(context.Context) (Snapshot, error) {
	t.records.loads++
	return domain.NormalizeSnapshot(t.records.snapshot), nil
}

func (t *sharedTx) Write(_ context.Context, commit Commit) error {
	if t.records.writeErr != nil {
		return t.records.writeErr
	}
	t.pending = &commit
	return nil
}

func (t *sharedTx) Commit() error {
	if t.pending != nil {
		t.records.version = t.pending.Version
		t.records.snapshot = t.pending.Next
		t.records.writes = append(t.records.writes, *t.pending)
	}
	return t.Rollback()
}

func (t *sharedTx) Rollback() error {
	if t.locked {
		t.locked = false
		t.records.mu.Unlock()
	}
	return nil
}

func backedStore(t *testing.T, records *sharedRecords) *Store {
	t.Helper()
	store := NewStore(nil)
	store.SetBackend(records)
	if err := store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return store
}

func TestBackendStoresSeeEachOthersCommits(t *testing.T) {
	records := &sharedRecords{}
	first := backedStore(t, records)
	second := backedStore(t, records)

	storetest.SeedBatch(t, first, "BATCH001")
	if first.Version() != 1 || records.version != 1 {
		t.Fatalf("expected version 1, got store=%d backend=%d", first.Version(), records.version)
	}
	// second never saw BATCH001 locally but reloads it before writing.
	storetest.SeedSample(t, second, "SMP-A", "BATCH001")

	_, err := first.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateSample(domain.Sample{DisplayID: " SMP-A "})
		return err
	})
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Field != "display_id" {
		t.Fatalf("expected display id conflict against the other client's sample, got %v", err)
	}
	if got := len(records.snapshot.Samples); got != 1 {
		t.Fatalf("expected one stored sample, got %d", got)
	}
	if batch := records.snapshot.Batches["BATCH001"]; batch.SampleCount != 1 {
		t.Fatalf("expected stored counter 1, got %d", batch.SampleCount)
	}

	if err := first.View(context.Background(), func(view TransactionView) error {
		if _, ok := view.FindSampleByDisplayID("SMP-A"); !ok {
			t.Fatalf("expected view to reload the other client's sample")
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestBackendSkipsReloadWhenVersionUnchanged(t *testing.T) {
	records := &sharedRecords{}
	store := backedStore(t, records)
	storetest.SeedBatch(t, store, "BATCH001")
	storetest.SeedBatch(t, store, "BATCH002")
	if records.loads != 1 {
		t.Fatalf("expected only the initial load, got %d", records.loads)
	}
	if len(records.writes) != 2 || len(records.writes[1].Changes) != 1 || records.writes[1].Replace {
		t.Fatalf("expected incremental writes, got %+v", records.writes)
	}
}

func TestBackendRejectsDuplicateStoredDisplayIDs(t *testing.T) {
	records := &sharedRecords{snapshot: Snapshot{Samples: map[string]Sample{
		"s-1": {Base: domain.Base{ID: "s-1"}, DisplayID: "SMP-1"},
		"s-2": {Base: domain.Base{ID: "s-2"}, DisplayID: " SMP-1"},
	}}}
	store := NewStore(nil)
	store.SetBackend(records)
	err := store.Refresh(context.Background())
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Value != "SMP-1" {
		t.Fatalf("expected duplicate display id reported, got %v", err)
	}
	if len(store.ListSamples()) != 0 {
		t.Fatalf("expected nothing loaded from invalid records")
	}
}

func TestBackendWriteFailureKeepsState(t *testing.T) {
	records := &sharedRecords{}
	store := backedStore(t, records)
	storetest.SeedBatch(t, store, "BATCH001")

	records.writeErr = errors.New("disk full")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateSample(domain.Sample{DisplayID: "SMP-1"})
		return err
	})
	var failure *domain.CommitFailure
	if !errors.As(err, &failure) || failure.Operation != "commit" {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if store.Version() != 1 || len(store.ListSamples()) != 0 {
		t.Fatalf("expected version and state unchanged, got %d %v", store.Version(), store.ListSamples())
	}

	records.writeErr = &domain.ConflictError{Entity: domain.EntitySample, Field: "display_id", Value: "SMP-1"}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateSample(domain.Sample{DisplayID: "SMP-1"})
		return err
	})
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || errors.As(err, &failure) {
		t.Fatalf("expected backend conflict surfaced unwrapped, got %v", err)
	}

	records.writeErr = nil
	if err := store.ImportSnapshot(context.Background(), Snapshot{}); err != nil {
		t.Fatalf("import: %v", err)
	}
	if last := records.writes[len(records.writes)-1]; !last.Replace || last.Version != 2 {
		t.Fatalf("expected replacing write at version 2, got %+v", last)
	}
	if len(store.ListBatches()) != 0 {
		t.Fatalf("expected imported empty state")
	}
}

func TestImportStateRejectsDuplicateDisplayIDs(t *testing.T) {
	store := NewStore(nil)
	storetest.SeedBatch(t, store, "BATCH001")
	err := store.ImportState(Snapshot{Samples: map[string]Sample{
		"s-1": {Base: domain.Base{ID: "s-1"}, DisplayID: "SMP-1"},
		"s-2": {Base: domain.Base{ID: "s-2"}, DisplayID: "SMP-1"},
	}})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, ok := store.GetBatch("BATCH001"); !ok {
		t.Fatalf("expected state kept after rejected import")
	}
}
