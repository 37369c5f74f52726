package core

import (
	"context"
	"fmt"
	"shelflife/pkg/domain"
)

const identifierUniquenessRuleName = "identifier_uniqueness"

// NewIdentifierUniquenessRule blocks transactions that leave two samples
// sharing a display identifier. Only samples created or updated in the
// transaction are checked.
func NewIdentifierUniquenessRule() domain.Rule {
	return identifierUniquenessRule{}
}

type identifierUniquenessRule struct{}

func (identifierUniquenessRule) Name() string { return identifierUniquenessRuleName }

func (identifierUniquenessRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	touched := make(map[string]string)
	for _, change := range changes {
		if change.Entity != domain.EntitySample {
			continue
		}
		if s, ok := change.After.(domain.Sample); ok {
			touched[domain.NormalizeIdentifier(s.DisplayID)] = s.ID
		}
	}
	res := domain.Result{}
	if len(touched) == 0 {
		return res, nil
	}

	holders := make(map[string]int, len(touched))
	for _, s := range view.ListSamples() {
		key := domain.NormalizeIdentifier(s.DisplayID)
		if _, ok := touched[key]; ok {
			holders[key]++
		}
	}
	for key, id := range touched {
		if holders[key] <= 1 {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     identifierUniquenessRuleName,
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("display id %q is held by %d samples", key, holders[key]),
			Entity:   domain.EntitySample,
			EntityID: id,
		})
	}
	return res, nil
}
