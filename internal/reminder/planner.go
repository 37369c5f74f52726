package reminder

import (
	"context"
	"iter"
	"shelflife/pkg/domain"
	"sort"
	"time"
)

// Planner groups reminder candidates by recipient.
type Planner struct {
	Directory Directory
	Deriver   domain.StatusDeriver
	Now       func() time.Time
}

// Candidates selects every sample whose effective status is pending, resolves
// its submitter's contact and its reviewer group's contacts, and returns the
// samples grouped by recipient so one message can cover several samples.
// Recipients that cannot be resolved are dropped. Each group is ordered by
// display id and holds a sample at most once.
func (p Planner) Candidates(ctx context.Context, samples iter.Seq[domain.Sample]) (map[string][]domain.Sample, error) {
	now := time.Now().UTC()
	if p.Now != nil {
		now = p.Now()
	}
	grouped := make(map[string][]domain.Sample)
	seen := make(map[string]map[string]struct{})
	add := func(recipient string, sample domain.Sample) {
		if recipient == "" {
			return
		}
		ids, ok := seen[recipient]
		if !ok {
			ids = make(map[string]struct{})
			seen[recipient] = ids
		}
		if _, dup := ids[sample.ID]; dup {
			return
		}
		ids[sample.ID] = struct{}{}
		grouped[recipient] = append(grouped[recipient], sample)
	}

	for sample := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.Deriver.Derive(sample.Status, sample.MaturationDate, now) != domain.DisplayPending {
			continue
		}
		owner := sample.SubmittedBy
		if owner == "" {
			owner = sample.Owner
		}
		if owner != "" {
			contact, err := p.Directory.PrincipalContact(ctx, owner)
			if err != nil {
				return nil, err
			}
			add(contact, sample)
		}
		if sample.ReviewerGroup != "" {
			contacts, err := p.Directory.GroupContacts(ctx, sample.ReviewerGroup)
			if err != nil {
				return nil, err
			}
			for _, contact := range contacts {
				add(contact, sample)
			}
		}
	}

	for recipient := range grouped {
		group := grouped[recipient]
		sort.Slice(group, func(i, j int) bool { return group[i].DisplayID < group[j].DisplayID })
	}
	return grouped, nil
}
