package core

import (
	"context"
	"fmt"
	"shelflife/pkg/domain"
	"sort"
)

const counterConsistencyRuleName = "counter_consistency"

// NewCounterConsistencyRule blocks transactions whose batch counter writes do
// not match their sample membership writes. A touched batch passes when its
// counter equals the true member count, or when the counter moved by exactly
// the number of members added and removed (clamped at zero). The second form
// lets writes proceed against batches that already carried drift.
func NewCounterConsistencyRule() domain.Rule {
	return counterConsistencyRule{}
}

type counterConsistencyRule struct{}

func (counterConsistencyRule) Name() string { return counterConsistencyRuleName }

type counterTally struct {
	counterDelta    int
	membershipDelta int
}

func (counterConsistencyRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	tallies := make(map[string]*counterTally)
	tally := func(id string) *counterTally {
		t, ok := tallies[id]
		if !ok {
			t = &counterTally{}
			tallies[id] = t
		}
		return t
	}

	for _, change := range changes {
		switch change.Entity {
		case domain.EntityBatch:
			after, ok := change.After.(domain.Batch)
			if !ok {
				continue
			}
			before, _ := change.Before.(domain.Batch)
			tally(after.ID).counterDelta += after.SampleCount - before.SampleCount
		case domain.EntitySample:
			switch change.Action {
			case domain.ActionCreate:
				if s, ok := change.After.(domain.Sample); ok && s.BatchID != nil {
					tally(*s.BatchID).membershipDelta++
				}
			case domain.ActionDelete:
				if s, ok := change.Before.(domain.Sample); ok && s.BatchID != nil {
					tally(*s.BatchID).membershipDelta--
				}
			}
		}
	}

	ids := make([]string, 0, len(tallies))
	for id := range tallies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res := domain.Result{}
	for _, id := range ids {
		batch, ok := view.FindBatch(id)
		if !ok {
			// Dangling references are reported as drift warnings by the writer.
			continue
		}
		t := tallies[id]
		actual := len(view.ListSamplesByBatch(id))
		if batch.SampleCount == actual {
			continue
		}
		before := batch.SampleCount - t.counterDelta
		if batch.SampleCount == max(0, before+t.membershipDelta) {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     counterConsistencyRuleName,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("batch %s sample count %d does not match %d member changes from %d", id, batch.SampleCount, t.membershipDelta, before),
			Entity:   domain.EntityBatch,
			EntityID: id,
		})
	}
	return res, nil
}
