package core

import (
	"context"
	"shelflife/pkg/domain"
)

// checkSampleIDTx reports a conflict when the display id is already held.
// It must run in the transaction that performs the write.
func checkSampleIDTx(view TransactionView, displayID string) (string, error) {
	id := domain.NormalizeIdentifier(displayID)
	if id == "" {
		return "", &domain.ValidationError{Field: "display_id", Message: "required"}
	}
	if _, taken := view.FindSampleByDisplayID(id); taken {
		return "", &domain.ConflictError{Entity: EntitySample, Field: "display_id", Value: id}
	}
	return id, nil
}

// checkBatchIDTx reports a conflict when the batch id is already held.
func checkBatchIDTx(view TransactionView, batchID string) (string, error) {
	id := domain.NormalizeIdentifier(batchID)
	if id == "" {
		return "", &domain.ValidationError{Field: "batch_id", Message: "required"}
	}
	if _, taken := view.FindBatch(id); taken {
		return "", &domain.ConflictError{Entity: EntityBatch, Field: "batch_id", Value: id}
	}
	return id, nil
}

// CheckSampleID reports whether displayID is free. The answer is advisory:
// SubmitSample repeats the check inside its own transaction.
func (s *Service) CheckSampleID(ctx context.Context, displayID string) error {
	return s.run(ctx, "check_sample_id", func(ctx context.Context) (string, error) {
		return "", s.store.View(ctx, func(view TransactionView) error {
			_, err := checkSampleIDTx(view, displayID)
			return err
		})
	})
}

// CheckBatchID reports whether batchID is free. CreateBatch repeats the check
// inside its own transaction.
func (s *Service) CheckBatchID(ctx context.Context, batchID string) error {
	return s.run(ctx, "check_batch_id", func(ctx context.Context) (string, error) {
		return "", s.store.View(ctx, func(view TransactionView) error {
			_, err := checkBatchIDTx(view, batchID)
			return err
		})
	})
}
