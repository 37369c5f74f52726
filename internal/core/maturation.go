package core

import (
	"context"
	"iter"
	"shelflife/pkg/domain"
	"sort"
	"time"
)

// MaturationWindow selects samples by maturation date. Both bounds are
// optional and compared by calendar date: Start is inclusive from the start of
// its day and End is inclusive through the end of its day. When either bound
// is set, samples without a maturation date are excluded. Status, when set,
// restricts the stored status.
type MaturationWindow struct {
	Start  *time.Time
	End    *time.Time
	Status *SampleStatus
}

// Contains reports whether sample falls inside the window.
func (w MaturationWindow) Contains(sample Sample) bool {
	if w.Status != nil && sample.Status != *w.Status {
		return false
	}
	if w.Start == nil && w.End == nil {
		return true
	}
	if sample.MaturationDate == nil {
		return false
	}
	date := domain.DateOf(*sample.MaturationDate)
	if w.Start != nil && date.Before(domain.DateOf(*w.Start)) {
		return false
	}
	if w.End != nil && date.After(domain.EndOfDay(*w.End)) {
		return false
	}
	return true
}

// QueryByMaturationWindow returns the samples inside window ordered by
// maturation date, then display id; undated samples sort last. The sequence is
// lazy and restartable: the store is read each time it is ranged over, and a
// read failure is yielded once as the error of the final element.
func (s *Service) QueryByMaturationWindow(ctx context.Context, window MaturationWindow) iter.Seq2[Sample, error] {
	return func(yield func(Sample, error) bool) {
		var matched []Sample
		err := s.run(ctx, "query_maturation_window", func(ctx context.Context) (string, error) {
			return "", s.store.View(ctx, func(view TransactionView) error {
				for _, sample := range view.ListSamples() {
					if window.Contains(sample) {
						matched = append(matched, sample)
					}
				}
				return nil
			})
		})
		if err != nil {
			yield(Sample{}, err)
			return
		}
		sortByMaturation(matched)
		for _, sample := range matched {
			if err := ctx.Err(); err != nil {
				yield(Sample{}, err)
				return
			}
			if !yield(sample, nil) {
				return
			}
		}
	}
}

// UpcomingMaturations is the notification variant of QueryByMaturationWindow
// restricted to samples still pending approval.
func (s *Service) UpcomingMaturations(ctx context.Context, start, end *time.Time) iter.Seq2[Sample, error] {
	pending := domain.SampleStatusPending
	return s.QueryByMaturationWindow(ctx, MaturationWindow{Start: start, End: end, Status: &pending})
}

// CollectSamples drains seq, stopping at the first error.
func CollectSamples(seq iter.Seq2[Sample, error]) ([]Sample, error) {
	var out []Sample
	for sample, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, sample)
	}
	return out, nil
}

func sortByMaturation(samples []Sample) {
	sort.SliceStable(samples, func(i, j int) bool {
		a, b := samples[i].MaturationDate, samples[j].MaturationDate
		switch {
		case a == nil && b == nil:
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return samples[i].DisplayID < samples[j].DisplayID
	})
}
