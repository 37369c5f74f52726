// Package storetest holds behavioural checks shared by every persistent
// store implementation. Backend test files call Run with a constructor.
package storetest

import (
	"context"
	"errors"
	"shelflife/pkg/domain"
	"testing"
	"time"
)

// Store is the surface every backend exposes.
type Store interface {
	domain.PersistentStore
	domain.Snapshotter
}

// Opener builds a fresh, empty store around engine.
type Opener func(t *testing.T, engine *domain.RulesEngine) Store

// Run executes the shared store checks against open.
func Run(t *testing.T, open Opener) {
	t.Helper()
	t.Run("CreateAndRead", func(t *testing.T) { testCreateAndRead(t, open) })
	t.Run("ReadYourWrites", func(t *testing.T) { testReadYourWrites(t, open) })
	t.Run("DisplayIDConflict", func(t *testing.T) { testDisplayIDConflict(t, open) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollbackOnError(t, open) })
	t.Run("BlockingRule", func(t *testing.T) { testBlockingRule(t, open) })
	t.Run("Immutability", func(t *testing.T) { testImmutability(t, open) })
	t.Run("NegativeCounter", func(t *testing.T) { testNegativeCounter(t, open) })
	t.Run("DeleteReleasesDisplayID", func(t *testing.T) { testDeleteReleasesDisplayID(t, open) })
	t.Run("Snapshot", func(t *testing.T) { testSnapshot(t, open) })
	t.Run("CanceledContext", func(t *testing.T) { testCanceledContext(t, open) })
}

var testDate = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// SeedBatch creates a pending batch with the given id.
func SeedBatch(t *testing.T, store domain.PersistentStore, id string) {
	t.Helper()
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateBatch(domain.Batch{Base: domain.Base{ID: id}, ProductName: "Cheddar", TestDate: testDate, OwnerEmployeeID: "emp-1"})
		return err
	}); err != nil {
		t.Fatalf("seed batch %s: %v", id, err)
	}
}

// SeedSample creates a sample in batchID (unassigned when empty) and bumps
// the batch counter in the same transaction.
func SeedSample(t *testing.T, store domain.PersistentStore, displayID, batchID string) domain.Sample {
	t.Helper()
	var created domain.Sample
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		sample := domain.Sample{DisplayID: displayID, Owner: "alice", SubmittedBy: "alice", MaturationDate: domain.DatePtr(testDate.AddDate(0, 0, 90))}
		if batchID != "" {
			id := batchID
			sample.BatchID = &id
		}
		var err error
		created, err = tx.CreateSample(sample)
		if err != nil {
			return err
		}
		if batchID != "" {
			_, err = tx.AdjustSampleCount(batchID, 1)
		}
		return err
	}); err != nil {
		t.Fatalf("seed sample %s: %v", displayID, err)
	}
	return created
}

func testCreateAndRead(t *testing.T, open Opener) {
	store := open(t, domain.NewRulesEngine())
	SeedBatch(t, store, "BATCH002")
	SeedBatch(t, store, "BATCH001")
	b := SeedSample(t, store, "SMP-B", "BATCH001")
	a := SeedSample(t, store, "SMP-A", "BATCH001")
	SeedSample(t, store, "SMP-LOOSE", "")

	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct generated ids, got %q and %q", a.ID, b.ID)
	}
	if a.Status != domain.SampleStatusPending {
		t.Fatalf("expected default pending status, got %s", a.Status)
	}
	if a.CreatedAt.IsZero() {
		t.Fatalf("expected creation timestamp")
	}
	batch, ok := store.GetBatch("BATCH001")
	if !ok {
		t.Fatalf("expected batch")
	}
	if batch.SampleCount != 2 || batch.Status != domain.BatchStatusPending {
		t.Fatalf("unexpected batch state: %+v", batch)
	}
	if !batch.TestDate.Equal(testDate) {
		t.Fatalf("expected test date %v, got %v", testDate, batch.TestDate)
	}
	got, ok := store.GetSample(a.ID)
	if !ok || got.DisplayID != "SMP-A" || !got.InBatch("BATCH001") {
		t.Fatalf("unexpected sample lookup: %+v (found=%v)", got, ok)
	}
	if got.MaturationDate == nil || !got.MaturationDate.Equal(testDate.AddDate(0, 0, 90)) {
		t.Fatalf("unexpected maturation date: %v", got.MaturationDate)
	}

	batches := store.ListBatches()
	if len(batches) != 2 || batches[0].ID != "BATCH001" || batches[1].ID != "BATCH002" {
		t.Fatalf("expected batches ordered by id, got %+v", batches)
	}
	samples := store.ListSamples()
	if len(samples) != 3 || samples[0].DisplayID != "SMP-A" || samples[2].DisplayID != "SMP-LOOSE" {
		t.Fatalf("expected samples ordered by display id, got %+v", samples)
	}

	if err := store.View(context.Background(), func(view domain.TransactionView) error {
		members := view.ListSamplesByBatch("BATCH001")
		if len(members) != 2 || members[0].DisplayID != "SMP-A" || members[1].DisplayID != "SMP-B" {
			t.Fatalf("unexpected batch members: %+v", members)
		}
		if len(view.ListSamplesByBatch("BATCH002")) != 0 {
			t.Fatalf("expected empty batch")
		}
		found, ok := view.FindSampleByDisplayID("  SMP-B ")
		if !ok || found.ID != b.ID {
			t.Fatalf("expected padded display lookup to resolve, got %+v", found)
		}
		if _, ok := view.FindSampleByDisplayID("smp-b"); ok {
			t.Fatalf("display lookup must be case-sensitive")
		}
		if _, ok := view.FindBatch("missing"); ok {
			t.Fatalf("expected missing batch")
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	if _, ok := store.GetSample("missing"); ok {
		t.Fatalf("expected missing sample")
	}
}

func testReadYourWrites(t *testing.T, open Opener) {
	store := open(t, domain.NewRulesEngine())
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateBatch(domain.Batch{Base: domain.Base{ID: " BATCH001 "}, ProductName: "Gouda", TestDate: testDate}); err != nil {
			return err
		}
		batch, ok := tx.FindBatch("BATCH001")
		if !ok {
			t.Fatalf("expected batch visible inside transaction")
		}
		if batch.Status != domain.BatchStatusPending {
			t.Fatalf("expected pending default, got %s", batch.Status)
		}
		id := "BATCH001"
		sample, err := tx.CreateSample(domain.Sample{DisplayID: " SMP-1 ", BatchID: &id})
		if err != nil {
			return err
		}
		if sample.DisplayID != "SMP-1" {
			t.Fatalf("expected trimmed display id, got %q", sample.DisplayID)
		}
		if _, err := tx.AdjustSampleCount(id, 1); err != nil {
			return err
		}
		if found, ok := tx.FindSampleByDisplayID("SMP-1"); !ok || found.ID != sample.ID {
			t.Fatalf("expected sample visible by display id inside transaction")
		}
		if members := tx.ListSamplesByBatch(id); len(members) != 1 {
			t.Fatalf("expected one member inside transaction, got %d", len(members))
		}
		if got := tx.Snapshot().ListSamples(); len(got) != 1 {
			t.Fatalf("expected snapshot to include pending sample, got %d", len(got))
		}
		updated, _ := tx.FindBatch(id)
		if updated.SampleCount != 1 {
			t.Fatalf("expected counter 1 inside transaction, got %d", updated.SampleCount)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func testDisplayIDConflict(t *testing.T, open Opener) {
	store := open(t, domain.NewRulesEngine())
	SeedBatch(t, store, "BATCH001")
	SeedSample(t, store, "SMP-1", "BATCH001")

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		id := "BATCH001"
		if _, err := tx.AdjustSampleCount(id, 1); err != nil {
			return err
		}
		_, err := tx.CreateSample(domain.Sample{DisplayID: "SMP-1 ", BatchID: &id})
		return err
	})
	var conflict *domain.ConflictError
	if !errors.As(err, &conflict) || conflict.Field != "display_id" {
		t.Fatalf("expected display id conflict, got %v", err)
	}
	if batch, _ := store.GetBatch("BATCH001"); batch.SampleCount != 1 {
		t.Fatalf("expected counter untouched, got %d", batch.SampleCount)
	}
	if got := len(store.ListSamples()); got != 1 {
		t.Fatalf("expected one sample, got %d", got)
	}

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateSample(domain.Sample{DisplayID: "   "})
		return err
	})
	var validation *domain.ValidationError
	if !errors.As(err, &validation) || validation.Field != "display_id" {
		t.Fatalf("expected blank display id validation error, got %v", err)
	}

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateBatch(domain.Batch{Base: domain.Base{ID: "BATCH001"}})
		return err
	})
	if !domain.IsConflict(err) {
		t.Fatalf("expected duplicate batch conflict, got %v", err)
	}

	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		missing := "BATCH404"
		_, err := tx.CreateSample(domain.Sample{DisplayID: "SMP-2", BatchID: &missing})
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected unknown batch not found, got %v", err)
	}
}

func testRollbackOnError(t *testing.T, open Opener) {
	store := open(t, domain.NewRulesEngine())
	SeedBatch(t, store, "BATCH001")
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		id := "BATCH001"
		if _, err := tx.CreateSample(domain.Sample{DisplayID: "SMP-1", BatchID: &id}); err != nil {
			return err
		}
		if _, err := tx.AdjustSampleCount(id, 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if got := len(store.ListSamples()); got != 0 {
		t.Fatalf("expected no samples after rollback, got %d", got)
	}
	if batch, _ := store.GetBatch("BATCH001"); batch.SampleCount != 0 {
		t.Fatalf("expected counter rolled back, got %d", batch.SampleCount)
	}

	res, err := store.RunInTransaction(context.Background(), func(domain.Transaction) error { return nil })
	if err != nil || len(res.Violations) != 0 {
		t.Fatalf("expected empty transaction to succeed cleanly, got %v %+v", err, res)
	}
}

type blockSamples struct{}

func (blockSamples) Name() string { return "block_samples" }

func (blockSamples) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, change := range changes {
		if change.Entity != domain.EntitySample || change.Action != domain.ActionCreate {
			continue
		}
		id := change.EntityID()
		if _, ok := view.FindSample(id); !ok {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule: "block_samples", Severity: domain.SeverityBlock, Message: "frozen",
			Entity: domain.EntitySample, EntityID: id,
		})
	}
	return res, nil
}

type warnBatches struct{}

func (warnBatches) Name() string { return "warn_batches" }

func (warnBatches) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, change := range changes {
		if change.Entity == domain.EntityBatch {
			res.Violations = append(res.Violations, domain.Violation{Rule: "warn_batches", Severity: domain.SeverityWarn, EntityID: change.EntityID()})
		}
	}
	return res, nil
}

func testBlockingRule(t *testing.T, open Opener) {
	engine := domain.NewRulesEngine()
	engine.Register(warnBatches{})
	engine.Register(blockSamples{})
	store := open(t, engine)

	res, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateBatch(domain.Batch{Base: domain.Base{ID: "BATCH001"}, TestDate: testDate})
		return err
	})
	if err != nil {
		t.Fatalf("warn-only transaction: %v", err)
	}
	if len(res.Violations) != 1 || res.Violations[0].Severity != domain.SeverityWarn {
		t.Fatalf("expected a single warning, got %+v", res.Violations)
	}

	res, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateSample(domain.Sample{DisplayID: "SMP-1"})
		return err
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if !res.HasBlocking() || violation.Result.Violations[0].Rule != "block_samples" {
		t.Fatalf("unexpected blocking result: %+v", res)
	}
	if got := len(store.ListSamples()); got != 0 {
		t.Fatalf("expected blocked sample discarded, got %d", got)
	}
}

func testImmutability(t *testing.T, open Opener) {
	store := open(t, domain.NewRulesEngine())
	SeedBatch(t, store, "BATCH001")
	SeedBatch(t, store, "BATCH002")
	sample := SeedSample(t, store, "SMP-1", "BATCH001")

	cases := []struct {
		name  string
		field string
		run   func(tx domain.Transaction) error
	}{
		{"batch id", "batch_id", func(tx domain.Transaction) error {
			_, err := tx.UpdateBatch("BATCH001", func(b *domain.Batch) error { b.ID = "OTHER"; return nil })
			return err
		}},
		{"batch counter", "sample_count", func(tx domain.Transaction) error {
			_, err := tx.UpdateBatch("BATCH001", func(b *domain.Batch) error { b.SampleCount = 9; return nil })
			return err
		}},
		{"batch status", "status", func(tx domain.Transaction) error {
			_, err := tx.UpdateBatch("BATCH001", func(b *domain.Batch) error { b.Status = "archived"; return nil })
			return err
		}},
		{"new batch counter", "sample_count", func(tx domain.Transaction) error {
			_, err := tx.CreateBatch(domain.Batch{Base: domain.Base{ID: "BATCH003"}, SampleCount: 3})
			return err
		}},
		{"display id", "display_id", func(tx domain.Transaction) error {
			_, err := tx.UpdateSample(sample.ID, func(s *domain.Sample) error { s.DisplayID = "SMP-9"; return nil })
			return err
		}},
		{"batch membership", "batch_id", func(tx domain.Transaction) error {
			_, err := tx.UpdateSample(sample.ID, func(s *domain.Sample) error {
				other := "BATCH002"
				s.BatchID = &other
				return nil
			})
			return err
		}},
		{"sample status", "status", func(tx domain.Transaction) error {
			_, err := tx.UpdateSample(sample.ID, func(s *domain.Sample) error { s.Status = "lost"; return nil })
			return err
		}},
	}
	for _, tc := range cases {
		_, err := store.RunInTransaction(context.Background(), tc.run)
		var validation *domain.ValidationError
		if !errors.As(err, &validation) || validation.Field != tc.field {
			t.Fatalf("%s: expected validation error on %s, got %v", tc.name, tc.field, err)
		}
	}

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateSample("missing", func(*domain.Sample) error { return nil })
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected missing sample, got %v", err)
	}

	updated := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateSample(sample.ID, func(s *domain.Sample) error {
			s.MaturationDate = &updated
			s.Owner = "bob"
			return nil
		})
		return err
	}); err != nil {
		t.Fatalf("update mutable fields: %v", err)
	}
	got, _ := store.GetSample(sample.ID)
	if got.Owner != "bob" || !got.MaturationDate.Equal(updated) || got.DisplayID != "SMP-1" {
		t.Fatalf("unexpected updated sample: %+v", got)
	}
}

func testNegativeCounter(t *testing.T, open Opener) {
	store := open(t, domain.NewRulesEngine())
	SeedBatch(t, store, "BATCH001")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.AdjustSampleCount("BATCH001", -1)
		return err
	})
	if !errors.Is(err, domain.ErrNegativeSampleCount) {
		t.Fatalf("expected negative counter error, got %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.AdjustSampleCount("BATCH404", 1)
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected missing batch, got %v", err)
	}
}

func testDeleteReleasesDisplayID(t *testing.T, open Opener) {
	store := open(t, domain.NewRulesEngine())
	SeedBatch(t, store, "BATCH001")
	sample := SeedSample(t, store, "SMP-1", "BATCH001")

	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if err := tx.DeleteSample(sample.ID); err != nil {
			return err
		}
		_, err := tx.AdjustSampleCount("BATCH001", -1)
		return err
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := store.GetSample(sample.ID); ok {
		t.Fatalf("expected sample removed")
	}
	if err := store.View(context.Background(), func(view domain.TransactionView) error {
		if _, ok := view.FindSampleByDisplayID("SMP-1"); ok {
			t.Fatalf("expected display index entry removed")
		}
		if got := len(view.ListSamplesByBatch("BATCH001")); got != 0 {
			t.Fatalf("expected no members, got %d", got)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	SeedSample(t, store, "SMP-1", "BATCH001")
	if batch, _ := store.GetBatch("BATCH001"); batch.SampleCount != 1 {
		t.Fatalf("expected counter 1 after re-create, got %d", batch.SampleCount)
	}

	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		return tx.DeleteSample("missing")
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected missing sample on delete, got %v", err)
	}
}

func testSnapshot(t *testing.T, open Opener) {
	ctx := context.Background()
	store := open(t, domain.NewRulesEngine())
	SeedBatch(t, store, "BATCH001")
	SeedSample(t, store, "SMP-1", "BATCH001")

	exported, err := store.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(exported.Batches) != 1 || len(exported.Samples) != 1 {
		t.Fatalf("unexpected export: %+v", exported)
	}

	orphanBatch := "BATCH404"
	pointer := "BATCH009"
	imported := domain.Snapshot{
		Batches: map[string]domain.Batch{
			"BATCH009": {Base: domain.Base{ID: "BATCH009"}, ProductName: "Brie", TestDate: testDate, Status: domain.BatchStatusPending, SampleCount: 7},
		},
		Samples: map[string]domain.Sample{
			"s-1": {Base: domain.Base{ID: "s-1"}, DisplayID: "SMP-X", Status: domain.SampleStatusPending, BatchID: &pointer},
			"s-2": {Base: domain.Base{ID: "s-2"}, DisplayID: "SMP-Y", Status: domain.SampleStatusPending, BatchID: &orphanBatch},
		},
	}
	if err := store.ImportSnapshot(ctx, imported); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, ok := store.GetBatch("BATCH001"); ok {
		t.Fatalf("expected previous state replaced")
	}
	batch, ok := store.GetBatch("BATCH009")
	if !ok || batch.SampleCount != 1 {
		t.Fatalf("expected recomputed counter 1, got %+v", batch)
	}
	orphan, ok := store.GetSample("s-2")
	if !ok || orphan.BatchID != nil {
		t.Fatalf("expected orphan unassigned, got %+v", orphan)
	}
	if err := store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindSampleByDisplayID("SMP-X"); !ok {
			t.Fatalf("expected imported display index")
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}

	duplicate := domain.Snapshot{Samples: map[string]domain.Sample{
		"a": {Base: domain.Base{ID: "a"}, DisplayID: "SMP-1"},
		"b": {Base: domain.Base{ID: "b"}, DisplayID: " SMP-1"},
	}}
	if err := store.ImportSnapshot(ctx, duplicate); !domain.IsConflict(err) {
		t.Fatalf("expected duplicate display id conflict, got %v", err)
	}
	if got := len(store.ListSamples()); got != 2 {
		t.Fatalf("expected state untouched after rejected import, got %d samples", got)
	}
}

func testCanceledContext(t *testing.T, open Opener) {
	store := open(t, domain.NewRulesEngine())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := store.RunInTransaction(ctx, func(domain.Transaction) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if called {
		t.Fatalf("expected callback skipped for canceled context")
	}
}
