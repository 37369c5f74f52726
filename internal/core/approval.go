package core

import (
	"context"
	"fmt"
	"shelflife/pkg/domain"
)

// CascadePolicy decides how a batch approval treats samples already rejected.
type CascadePolicy string

const (
	// CascadeSkipRejected leaves rejected samples rejected. Rejection is terminal.
	CascadeSkipRejected CascadePolicy = "skip_rejected"
	// CascadeIncludeRejected approves every sample in the batch, rejected ones included.
	CascadeIncludeRejected CascadePolicy = "include_rejected"
)

// Valid reports whether p is a known policy.
func (p CascadePolicy) Valid() bool {
	return p == CascadeSkipRejected || p == CascadeIncludeRejected
}

// ParseCascadePolicy maps a configuration value onto a policy. Empty selects
// CascadeSkipRejected.
func ParseCascadePolicy(v string) (CascadePolicy, error) {
	if v == "" {
		return CascadeSkipRejected, nil
	}
	p := CascadePolicy(v)
	if !p.Valid() {
		return "", fmt.Errorf("unknown cascade policy %q", v)
	}
	return p, nil
}

// ApprovalResult reports the outcome of ApproveBatch.
type ApprovalResult struct {
	BatchID             string
	Status              BatchStatus
	SamplesTransitioned int
}

// ApproveBatch moves a pending batch and every sample in it to approved in a
// single atomic commit. Approving an approved batch is a successful no-op that
// reports zero transitions. When the commit fails nothing is applied and the
// result reports the batch as pending; the call may be retried.
func (s *Service) ApproveBatch(ctx context.Context, batchID, approvedBy string) (ApprovalResult, error) {
	result := ApprovalResult{BatchID: batchID, Status: domain.BatchStatusPending}
	err := s.run(ctx, "approve_batch", func(ctx context.Context) (string, error) {
		var outcome ApprovalResult
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			outcome = ApprovalResult{BatchID: batchID}
			batch, ok := tx.FindBatch(batchID)
			if !ok {
				return &domain.NotFoundError{Entity: EntityBatch, ID: batchID}
			}
			if batch.Status == domain.BatchStatusApproved {
				outcome.Status = domain.BatchStatusApproved
				return nil
			}
			approvedAt := s.now()
			members := tx.ListSamplesByBatch(batchID)
			if _, err := tx.UpdateBatch(batchID, func(b *Batch) error {
				b.Status = domain.BatchStatusApproved
				b.ApprovedBy = approvedBy
				b.ApprovedAt = &approvedAt
				return nil
			}); err != nil {
				return err
			}
			for _, member := range members {
				if !s.cascades(member.Status) {
					continue
				}
				if _, err := tx.UpdateSample(member.ID, func(sample *Sample) error {
					sample.Status = domain.SampleStatusApproved
					sample.RejectionReason = ""
					return nil
				}); err != nil {
					return fmt.Errorf("approve sample %s: %w", member.DisplayID, err)
				}
				outcome.SamplesTransitioned++
			}
			outcome.Status = domain.BatchStatusApproved
			return nil
		})
		s.logResult("approve_batch", res)
		if err != nil {
			return batchID, err
		}
		result = outcome
		s.logger.Info("batch approved", "batch_id", batchID, "approved_by", approvedBy, "samples_transitioned", outcome.SamplesTransitioned)
		return batchID, nil
	})
	return result, err
}

func (s *Service) cascades(status SampleStatus) bool {
	switch status {
	case domain.SampleStatusPending:
		return true
	case domain.SampleStatusRejected:
		return s.policy == CascadeIncludeRejected
	default:
		return false
	}
}
