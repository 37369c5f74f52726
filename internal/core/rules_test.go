package core

import (
	"context"
	"errors"
	"shelflife/internal/infra/persistence/memory"
	"shelflife/pkg/domain"
	"testing"
)

func TestDefaultRulesEngineRegistration(t *testing.T) {
	want := []string{counterConsistencyRuleName, identifierUniquenessRuleName, cascadeCompletenessRuleName, statusMonotonicityRuleName}
	got := NewDefaultRulesEngine("bogus").Rules()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

// blockedBy runs fn against store and returns the name of the first rule
// that blocked the commit, or "" when it committed.
func blockedBy(t *testing.T, store *memory.Store, fn func(tx Transaction) error) string {
	t.Helper()
	_, err := store.RunInTransaction(context.Background(), fn)
	if err == nil {
		return ""
	}
	var violation RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	return violation.Result.Violations[0].Rule
}

func seedRaw(t *testing.T, store *memory.Store, fn func(tx Transaction) error) {
	t.Helper()
	if _, err := store.RunInTransaction(context.Background(), fn); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func createBatchTx(tx Transaction, id string) error {
	_, err := tx.CreateBatch(Batch{Base: Base{ID: id}, ProductName: "Cheddar"})
	return err
}

func TestCounterConsistencyRule(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(NewCounterConsistencyRule())
	store := memory.NewStore(engine)
	seedRaw(t, store, func(tx Transaction) error { return createBatchTx(tx, "BATCH001") })
	id := "BATCH001"

	if rule := blockedBy(t, store, func(tx Transaction) error {
		_, err := tx.CreateSample(Sample{DisplayID: "SMP-1", BatchID: &id})
		return err
	}); rule != counterConsistencyRuleName {
		t.Fatalf("expected member without counter bump blocked, got %q", rule)
	}
	if rule := blockedBy(t, store, func(tx Transaction) error {
		_, err := tx.AdjustSampleCount(id, 2)
		return err
	}); rule != counterConsistencyRuleName {
		t.Fatalf("expected counter bump without member blocked, got %q", rule)
	}
	if rule := blockedBy(t, store, func(tx Transaction) error {
		if _, err := tx.CreateSample(Sample{DisplayID: "SMP-1", BatchID: &id}); err != nil {
			return err
		}
		_, err := tx.AdjustSampleCount(id, 1)
		return err
	}); rule != "" {
		t.Fatalf("expected paired write to commit, blocked by %q", rule)
	}
}

func TestCounterConsistencyRuleToleratesPriorDrift(t *testing.T) {
	store := memory.NewStore(nil)
	id := "BATCH001"
	// Seed a member the counter never saw.
	seedRaw(t, store, func(tx Transaction) error {
		if err := createBatchTx(tx, id); err != nil {
			return err
		}
		_, err := tx.CreateSample(Sample{DisplayID: "SMP-0", BatchID: &id})
		return err
	})
	store.RulesEngine().Register(NewCounterConsistencyRule())

	if rule := blockedBy(t, store, func(tx Transaction) error {
		if _, err := tx.CreateSample(Sample{DisplayID: "SMP-1", BatchID: &id}); err != nil {
			return err
		}
		_, err := tx.AdjustSampleCount(id, 1)
		return err
	}); rule != "" {
		t.Fatalf("expected correctly paired write on drifted batch to commit, blocked by %q", rule)
	}
}

func TestIdentifierUniquenessRule(t *testing.T) {
	rule := NewIdentifierUniquenessRule()
	view := fakeView{samples: []Sample{
		{Base: Base{ID: "a"}, DisplayID: "SMP-1"},
		{Base: Base{ID: "b"}, DisplayID: " SMP-1"},
		{Base: Base{ID: "c"}, DisplayID: "SMP-2"},
	}}
	res, err := rule.Evaluate(context.Background(), view, []Change{
		{Entity: EntitySample, Action: ActionCreate, After: Sample{Base: Base{ID: "b"}, DisplayID: " SMP-1"}},
		{Entity: EntitySample, Action: ActionCreate, After: Sample{Base: Base{ID: "c"}, DisplayID: "SMP-2"}},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 1 || res.Violations[0].EntityID != "b" || !res.HasBlocking() {
		t.Fatalf("expected one duplicate violation for b, got %+v", res.Violations)
	}
	res, _ = rule.Evaluate(context.Background(), view, []Change{{Entity: EntityBatch, Action: ActionCreate, After: Batch{}}})
	if len(res.Violations) != 0 {
		t.Fatalf("expected batch-only changes ignored, got %+v", res.Violations)
	}
}

func TestCascadeCompletenessRule(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(NewCascadeCompletenessRule(CascadeSkipRejected))
	store := memory.NewStore(engine)
	id := "BATCH001"
	var pending, rejected Sample
	seedRaw(t, store, func(tx Transaction) error {
		if err := createBatchTx(tx, id); err != nil {
			return err
		}
		var err error
		if pending, err = tx.CreateSample(Sample{DisplayID: "SMP-1", BatchID: &id}); err != nil {
			return err
		}
		rejected, err = tx.CreateSample(Sample{DisplayID: "SMP-2", BatchID: &id, Status: domain.SampleStatusRejected})
		return err
	})
	approveOnly := func(tx Transaction) error {
		_, err := tx.UpdateBatch(id, func(b *Batch) error { b.Status = domain.BatchStatusApproved; return nil })
		return err
	}
	if rule := blockedBy(t, store, approveOnly); rule != cascadeCompletenessRuleName {
		t.Fatalf("expected batch approval without samples blocked, got %q", rule)
	}
	if rule := blockedBy(t, store, func(tx Transaction) error {
		_, err := tx.UpdateSample(pending.ID, func(s *Sample) error { s.Status = domain.SampleStatusApproved; return nil })
		return err
	}); rule != cascadeCompletenessRuleName {
		t.Fatalf("expected sample approval without its batch blocked, got %q", rule)
	}
	if rule := blockedBy(t, store, func(tx Transaction) error {
		_, err := tx.CreateSample(Sample{DisplayID: "SMP-9", Status: domain.SampleStatusApproved})
		return err
	}); rule != cascadeCompletenessRuleName {
		t.Fatalf("expected unassigned sample created approved blocked, got %q", rule)
	}
	if rule := blockedBy(t, store, func(tx Transaction) error {
		if err := approveOnly(tx); err != nil {
			return err
		}
		_, err := tx.UpdateSample(pending.ID, func(s *Sample) error { s.Status = domain.SampleStatusApproved; return nil })
		return err
	}); rule != "" {
		t.Fatalf("expected full cascade to commit under skip_rejected, blocked by %q", rule)
	}
	if rule := blockedBy(t, store, func(tx Transaction) error {
		_, err := tx.CreateSample(Sample{DisplayID: "SMP-3", BatchID: &id})
		return err
	}); rule != cascadeCompletenessRuleName {
		t.Fatalf("expected pending sample written into approved batch blocked, got %q", rule)
	}

	strict := NewCascadeCompletenessRule(CascadeIncludeRejected)
	res, err := strict.Evaluate(context.Background(), fakeView{
		batches: []Batch{{Base: Base{ID: id}, Status: domain.BatchStatusApproved}},
		samples: []Sample{rejected},
	}, []Change{{Entity: EntityBatch, Action: ActionUpdate, Before: Batch{Base: Base{ID: id}, Status: domain.BatchStatusPending}, After: Batch{Base: Base{ID: id}, Status: domain.BatchStatusApproved}}})
	if err != nil || len(res.Violations) != 1 || res.Violations[0].EntityID != rejected.ID {
		t.Fatalf("expected rejected sample flagged under include_rejected, got %+v %v", res.Violations, err)
	}
}

func TestStatusMonotonicityRule(t *testing.T) {
	ctx := context.Background()
	batchChange := func(from, to domain.BatchStatus) Change {
		return Change{Entity: EntityBatch, Action: ActionUpdate, Before: Batch{Base: Base{ID: "B"}, Status: from}, After: Batch{Base: Base{ID: "B"}, Status: to}}
	}
	sampleChange := func(from, to domain.SampleStatus) Change {
		return Change{Entity: EntitySample, Action: ActionUpdate, Before: Sample{Base: Base{ID: "S"}, Status: from}, After: Sample{Base: Base{ID: "S"}, Status: to}}
	}
	cases := []struct {
		name    string
		policy  CascadePolicy
		change  Change
		blocked bool
	}{
		{"batch approve", CascadeSkipRejected, batchChange(domain.BatchStatusPending, domain.BatchStatusApproved), false},
		{"batch revert", CascadeSkipRejected, batchChange(domain.BatchStatusApproved, domain.BatchStatusPending), true},
		{"sample approve", CascadeSkipRejected, sampleChange(domain.SampleStatusPending, domain.SampleStatusApproved), false},
		{"sample reject", CascadeSkipRejected, sampleChange(domain.SampleStatusPending, domain.SampleStatusRejected), false},
		{"sample unapprove", CascadeSkipRejected, sampleChange(domain.SampleStatusApproved, domain.SampleStatusPending), true},
		{"approved to rejected", CascadeSkipRejected, sampleChange(domain.SampleStatusApproved, domain.SampleStatusRejected), true},
		{"rejected swept", CascadeSkipRejected, sampleChange(domain.SampleStatusRejected, domain.SampleStatusApproved), true},
		{"rejected swept allowed", CascadeIncludeRejected, sampleChange(domain.SampleStatusRejected, domain.SampleStatusApproved), false},
		{"unchanged", CascadeSkipRejected, sampleChange(domain.SampleStatusApproved, domain.SampleStatusApproved), false},
	}
	for _, tc := range cases {
		res, err := NewStatusMonotonicityRule(tc.policy).Evaluate(ctx, fakeView{}, []Change{tc.change})
		if err != nil {
			t.Fatalf("%s: evaluate: %v", tc.name, err)
		}
		if res.HasBlocking() != tc.blocked {
			t.Fatalf("%s: expected blocked=%v, got %+v", tc.name, tc.blocked, res.Violations)
		}
	}
}

type fakeView struct {
	batches []Batch
	samples []Sample
}

func (v fakeView) ListBatches() []Batch  { return v.batches }
func (v fakeView) ListSamples() []Sample { return v.samples }
func (v fakeView) FindBatch(id string) (Batch, bool) {
	for _, b := range v.batches {
		if b.ID == id {
			return b, true
		}
	}
	return Batch{}, false
}

func (v fakeView) FindSample(id string) (Sample, bool) {
	for _, s := range v.samples {
		if s.ID == id {
			return s, true
		}
	}
	return Sample{}, false
}

func (v fakeView) FindSampleByDisplayID(displayID string) (Sample, bool) {
	for _, s := range v.samples {
		if domain.NormalizeIdentifier(s.DisplayID) == domain.NormalizeIdentifier(displayID) {
			return s, true
		}
	}
	return Sample{}, false
}

func (v fakeView) ListSamplesByBatch(batchID string) []Sample {
	var out []Sample
	for _, s := range v.samples {
		if s.InBatch(batchID) {
			out = append(out, s)
		}
	}
	return out
}
