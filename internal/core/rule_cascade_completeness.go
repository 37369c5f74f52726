package core

import (
	"context"
	"fmt"
	"shelflife/pkg/domain"
)

const cascadeCompletenessRuleName = "cascade_completeness"

// NewCascadeCompletenessRule blocks transactions that leave an approved batch
// holding samples that are still awaiting approval. It checks batches that
// become approved in the transaction and samples written into approved batches.
// A sample may only become approved together with its batch.
func NewCascadeCompletenessRule(policy CascadePolicy) domain.Rule {
	return cascadeCompletenessRule{policy: policy}
}

type cascadeCompletenessRule struct {
	policy CascadePolicy
}

func (cascadeCompletenessRule) Name() string { return cascadeCompletenessRuleName }

func (r cascadeCompletenessRule) unapproved(s domain.Sample) bool {
	switch s.Status {
	case domain.SampleStatusApproved:
		return false
	case domain.SampleStatusRejected:
		return r.policy == CascadeIncludeRejected
	default:
		return true
	}
}

func (r cascadeCompletenessRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	reported := make(map[string]struct{})
	flag := func(s domain.Sample, batchID string) {
		if _, done := reported[s.ID]; done {
			return
		}
		reported[s.ID] = struct{}{}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     cascadeCompletenessRuleName,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("sample %s is %s in approved batch %s", s.DisplayID, s.Status, batchID),
			Entity:   domain.EntitySample,
			EntityID: s.ID,
		})
	}

	approving := make(map[string]struct{})
	for _, change := range changes {
		if after, ok := change.After.(domain.Batch); ok && after.Status == domain.BatchStatusApproved {
			if before, ok := change.Before.(domain.Batch); !ok || before.Status != domain.BatchStatusApproved {
				approving[after.ID] = struct{}{}
			}
		}
	}

	for _, change := range changes {
		switch change.Entity {
		case domain.EntityBatch:
			after, ok := change.After.(domain.Batch)
			if !ok || after.Status != domain.BatchStatusApproved {
				continue
			}
			if before, ok := change.Before.(domain.Batch); ok && before.Status == domain.BatchStatusApproved {
				continue
			}
			for _, s := range view.ListSamplesByBatch(after.ID) {
				if r.unapproved(s) {
					flag(s, after.ID)
				}
			}
		case domain.EntitySample:
			after, ok := change.After.(domain.Sample)
			if !ok {
				continue
			}
			if before, _ := change.Before.(domain.Sample); after.Status == domain.SampleStatusApproved && before.Status != domain.SampleStatusApproved {
				if _, cascaded := approving[batchOf(after)]; !cascaded {
					r.flagOutsideCascade(&res, reported, after)
					continue
				}
			}
			if after.BatchID == nil {
				continue
			}
			current, ok := view.FindSample(after.ID)
			if !ok || !r.unapproved(current) {
				continue
			}
			if batch, ok := view.FindBatch(*after.BatchID); ok && batch.Status == domain.BatchStatusApproved {
				flag(current, batch.ID)
			}
		}
	}
	return res, nil
}

func (cascadeCompletenessRule) flagOutsideCascade(res *domain.Result, reported map[string]struct{}, s domain.Sample) {
	if _, done := reported[s.ID]; done {
		return
	}
	reported[s.ID] = struct{}{}
	res.Violations = append(res.Violations, domain.Violation{
		Rule:     cascadeCompletenessRuleName,
		Severity: domain.SeverityBlock,
		Message:  fmt.Sprintf("sample %s can only be approved by approving its batch", s.DisplayID),
		Entity:   domain.EntitySample,
		EntityID: s.ID,
	})
}

func batchOf(s domain.Sample) string {
	if s.BatchID == nil {
		return ""
	}
	return *s.BatchID
}
