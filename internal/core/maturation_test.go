package core

import (
	"context"
	"errors"
	"shelflife/internal/reminder"
	"shelflife/pkg/domain"
	"testing"
	"time"
)

func displayIDs(samples []Sample) []string {
	out := make([]string, 0, len(samples))
	for _, s := range samples {
		out = append(out, s.DisplayID)
	}
	return out
}

func equalIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestQueryByMaturationWindowInclusiveEnd(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	mustSubmit(t, svc, "SMP-BEFORE", "", daysFromNow(-1))
	mustSubmit(t, svc, "SMP-ON", "", daysFromNow(0))
	mustSubmit(t, svc, "SMP-END", "", daysFromNow(7))
	mustSubmit(t, svc, "SMP-AFTER", "", daysFromNow(8))
	mustSubmit(t, svc, "SMP-UNDATED", "", nil)

	// Bounds carry a time of day; only their calendar dates count.
	start := testNow.Add(3 * time.Hour)
	end := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	got, err := CollectSamples(svc.QueryByMaturationWindow(ctx, MaturationWindow{Start: &start, End: &end}))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if ids := displayIDs(got); !equalIDs(ids, "SMP-ON", "SMP-END") {
		t.Fatalf("unexpected window contents: %v", ids)
	}

	all, err := CollectSamples(svc.QueryByMaturationWindow(ctx, MaturationWindow{}))
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if ids := displayIDs(all); !equalIDs(ids, "SMP-BEFORE", "SMP-ON", "SMP-END", "SMP-AFTER", "SMP-UNDATED") {
		t.Fatalf("expected all samples by date with undated last, got %v", ids)
	}

	onlyEnd, _ := CollectSamples(svc.QueryByMaturationWindow(ctx, MaturationWindow{End: &end}))
	if ids := displayIDs(onlyEnd); !equalIDs(ids, "SMP-BEFORE", "SMP-ON", "SMP-END") {
		t.Fatalf("unexpected open-start window: %v", ids)
	}
}

func TestUpcomingMaturationsPendingOnly(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	mustCreateBatch(t, svc, "BATCH001")
	mustSubmit(t, svc, "SMP-APPROVED", "BATCH001", daysFromNow(3))
	mustSubmit(t, svc, "SMP-PENDING", "", daysFromNow(3))
	rejected := mustSubmit(t, svc, "SMP-REJECTED", "", daysFromNow(3))
	if _, err := svc.RejectSample(ctx, rejected.ID, "torn"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := svc.ApproveBatch(ctx, "BATCH001", "carol"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, err := CollectSamples(svc.UpcomingMaturations(ctx, nil, daysFromNow(30)))
	if err != nil {
		t.Fatalf("upcoming: %v", err)
	}
	if ids := displayIDs(got); !equalIDs(ids, "SMP-PENDING") {
		t.Fatalf("expected only pending samples, got %v", ids)
	}
}

func TestQueryByMaturationWindowIsLazyAndRestartable(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	mustSubmit(t, svc, "SMP-1", "", daysFromNow(1))
	mustSubmit(t, svc, "SMP-2", "", daysFromNow(2))

	seq := svc.QueryByMaturationWindow(ctx, MaturationWindow{})
	first, _ := CollectSamples(seq)
	mustSubmit(t, svc, "SMP-3", "", daysFromNow(3))
	second, _ := CollectSamples(seq)
	if len(first) != 2 || len(second) != 3 {
		t.Fatalf("expected each range to re-read the store, got %d then %d", len(first), len(second))
	}

	var taken []string
	for sample, err := range seq {
		if err != nil {
			t.Fatalf("range: %v", err)
		}
		taken = append(taken, sample.DisplayID)
		break
	}
	if !equalIDs(taken, "SMP-1") {
		t.Fatalf("expected early stop after first sample, got %v", taken)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := CollectSamples(svc.QueryByMaturationWindow(canceled, MaturationWindow{}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestMaturationWindowContains(t *testing.T) {
	approved := domain.SampleStatusApproved
	day := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 5, 10, 22, 30, 0, 0, time.UTC)
	window := MaturationWindow{End: &day, Status: &approved}
	if !window.Contains(Sample{Status: domain.SampleStatusApproved, MaturationDate: &late}) {
		t.Fatalf("expected late-in-day maturation included by inclusive end")
	}
	if window.Contains(Sample{Status: domain.SampleStatusPending, MaturationDate: &day}) {
		t.Fatalf("expected status filter to exclude pending sample")
	}
	next := day.AddDate(0, 0, 1)
	if window.Contains(Sample{Status: domain.SampleStatusApproved, MaturationDate: &next}) {
		t.Fatalf("expected day after end excluded")
	}
}

func TestReminderCandidates(t *testing.T) {
	ctx := context.Background()
	dir := reminder.StaticDirectory{
		Contacts: map[string]string{"alice": "alice@example.com"},
		Groups:   map[string][]string{"qa": {"bob@example.com"}},
	}
	svc := newTestService(t, WithDirectory(dir), WithDefaultReviewerGroup("qa"))
	mustCreateBatch(t, svc, "BATCH001")
	mustSubmit(t, svc, "SMP-1", "BATCH001", daysFromNow(5))
	mustSubmit(t, svc, "SMP-2", "", daysFromNow(5))
	if _, err := svc.SubmitSample(ctx, SampleInput{DisplayID: "SMP-3", SubmittedBy: "ghost", MaturationDate: daysFromNow(6)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.ApproveBatch(ctx, "BATCH001", "carol"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	var queryErr error
	grouped, err := svc.ReminderCandidates(ctx, SampleValues(svc.QueryByMaturationWindow(ctx, MaturationWindow{}), &queryErr))
	if err != nil || queryErr != nil {
		t.Fatalf("reminders: %v %v", err, queryErr)
	}
	if len(grouped) != 2 {
		t.Fatalf("expected two recipients, got %v", grouped)
	}
	if ids := displayIDs(grouped["alice@example.com"]); !equalIDs(ids, "SMP-2") {
		t.Fatalf("unexpected alice reminders: %v", ids)
	}
	if ids := displayIDs(grouped["bob@example.com"]); !equalIDs(ids, "SMP-2", "SMP-3") {
		t.Fatalf("unexpected reviewer reminders: %v", ids)
	}

	bare := newTestService(t)
	if _, err := bare.ReminderCandidates(ctx, nil); !errors.Is(err, ErrNoDirectory) {
		t.Fatalf("expected missing directory error, got %v", err)
	}
}

func TestSampleValuesCapturesError(t *testing.T) {
	boom := errors.New("read failed")
	seq := func(yield func(Sample, error) bool) {
		if !yield(Sample{DisplayID: "SMP-1"}, nil) {
			return
		}
		yield(Sample{}, boom)
	}
	var err error
	var got []string
	for sample := range SampleValues(seq, &err) {
		got = append(got, sample.DisplayID)
	}
	if !errors.Is(err, boom) || !equalIDs(got, "SMP-1") {
		t.Fatalf("expected one value then captured error, got %v %v", got, err)
	}
	partial, err := CollectSamples(seq)
	if !errors.Is(err, boom) || len(partial) != 1 {
		t.Fatalf("expected collect to stop at error, got %d %v", len(partial), err)
	}
}
