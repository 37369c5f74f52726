package core

import (
	"context"
	"errors"
	"iter"
	"shelflife/internal/reminder"
)

// ErrNoDirectory is returned by ReminderCandidates when no contact directory is configured.
var ErrNoDirectory = errors.New("no contact directory configured")

// ReminderCandidates groups the pending samples among samples by the
// recipients that should be reminded about them.
func (s *Service) ReminderCandidates(ctx context.Context, samples iter.Seq[Sample]) (map[string][]Sample, error) {
	var grouped map[string][]Sample
	err := s.run(ctx, "reminder_candidates", func(ctx context.Context) (string, error) {
		if s.directory == nil {
			return "", ErrNoDirectory
		}
		planner := reminder.Planner{Directory: s.directory, Deriver: s.deriver, Now: s.now}
		var err error
		grouped, err = planner.Candidates(ctx, samples)
		return "", err
	})
	return grouped, err
}

// SampleValues adapts a maturation query into the plain sequence accepted by
// ReminderCandidates. Iteration stops at the first error, which is stored in errp.
func SampleValues(seq iter.Seq2[Sample, error], errp *error) iter.Seq[Sample] {
	return func(yield func(Sample) bool) {
		for sample, err := range seq {
			if err != nil {
				if errp != nil {
					*errp = err
				}
				return
			}
			if !yield(sample) {
				return
			}
		}
	}
}
