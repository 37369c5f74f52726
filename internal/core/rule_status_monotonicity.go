package core

import (
	"context"
	"fmt"
	"shelflife/pkg/domain"
)

const statusMonotonicityRuleName = "status_monotonicity"

// NewStatusMonotonicityRule blocks status changes that move a batch or sample
// backwards along its lifecycle. Under CascadeIncludeRejected a rejected
// sample may additionally be swept into approved.
func NewStatusMonotonicityRule(policy CascadePolicy) domain.Rule {
	sampleEdges := transitions(
		edge(domain.SampleStatusPending, domain.SampleStatusApproved),
		edge(domain.SampleStatusPending, domain.SampleStatusRejected),
	)
	if policy == CascadeIncludeRejected {
		sampleEdges[edge(domain.SampleStatusRejected, domain.SampleStatusApproved)] = struct{}{}
	}
	machines := map[domain.EntityType]statusMachine{
		domain.EntityBatch: {
			label: "batch",
			allowed: transitions(
				edge(domain.BatchStatusPending, domain.BatchStatusApproved),
			),
			extractor: func(v any) (string, string, bool) {
				b, ok := v.(domain.Batch)
				return b.ID, string(b.Status), ok
			},
		},
		domain.EntitySample: {
			label:   "sample",
			allowed: sampleEdges,
			extractor: func(v any) (string, string, bool) {
				s, ok := v.(domain.Sample)
				return s.ID, string(s.Status), ok
			},
		},
	}
	return statusMonotonicityRule{machines: machines}
}

type statusMonotonicityRule struct {
	machines map[domain.EntityType]statusMachine
}

type statusMachine struct {
	label     string
	allowed   map[[2]string]struct{}
	extractor func(record any) (id string, state string, ok bool)
}

func edge[S ~string](from, to S) [2]string {
	return [2]string{string(from), string(to)}
}

func transitions(edges ...[2]string) map[[2]string]struct{} {
	set := make(map[[2]string]struct{}, len(edges))
	for _, e := range edges {
		set[e] = struct{}{}
	}
	return set
}

func (statusMonotonicityRule) Name() string { return statusMonotonicityRuleName }

func (r statusMonotonicityRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Action != domain.ActionUpdate {
			continue
		}
		machine, ok := r.machines[change.Entity]
		if !ok {
			continue
		}
		id, from, ok := machine.extractor(change.Before)
		if !ok {
			continue
		}
		_, to, ok := machine.extractor(change.After)
		if !ok || from == to {
			continue
		}
		if _, allowed := machine.allowed[[2]string{from, to}]; allowed {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     statusMonotonicityRuleName,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("cannot move %s %s from %s to %s", machine.label, id, from, to),
			Entity:   change.Entity,
			EntityID: id,
		})
	}
	return res, nil
}
