package core

import (
	"context"
	"shelflife/pkg/domain"
	"strings"
	"time"
)

// SampleInput carries the caller-supplied fields of a submitted sample.
// BatchID is empty for standalone imports.
type SampleInput struct {
	DisplayID      string
	Owner          string
	MaturationDate *time.Time
	BatchID        string
	SubmittedBy    string
	ReviewerGroup  string
}

// DeleteResult reports a completed deletion. Warning is set when the parent
// batch counter could not be maintained; the sample is deleted regardless.
type DeleteResult struct {
	SampleID string
	BatchID  string
	Warning  *domain.CounterDriftWarning
}

// SubmitSample creates a pending sample and, when it belongs to a batch,
// increments the batch counter in the same commit. A display id already held
// by any sample is a ConflictError and nothing is written.
func (s *Service) SubmitSample(ctx context.Context, input SampleInput) (Sample, error) {
	var created Sample
	err := s.run(ctx, "submit_sample", func(ctx context.Context) (string, error) {
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			displayID, err := checkSampleIDTx(tx.Snapshot(), input.DisplayID)
			if err != nil {
				return err
			}
			sample := Sample{
				DisplayID:     displayID,
				Owner:         strings.TrimSpace(input.Owner),
				Status:        domain.SampleStatusPending,
				SubmittedBy:   input.SubmittedBy,
				ReviewerGroup: input.ReviewerGroup,
			}
			if sample.ReviewerGroup == "" {
				sample.ReviewerGroup = s.reviewerGroup
			}
			if input.MaturationDate != nil {
				sample.MaturationDate = domain.DatePtr(*input.MaturationDate)
			}
			batchID := domain.NormalizeIdentifier(input.BatchID)
			if batchID != "" {
				batch, ok := tx.FindBatch(batchID)
				if !ok {
					return &domain.NotFoundError{Entity: EntityBatch, ID: batchID}
				}
				if batch.Status == domain.BatchStatusApproved {
					return &domain.StateError{Entity: EntityBatch, ID: batchID, From: string(batch.Status), Op: "accept new samples"}
				}
				sample.BatchID = &batchID
			}
			created, err = tx.CreateSample(sample)
			if err != nil {
				return err
			}
			if sample.BatchID != nil {
				return onSampleAdded(tx, batchID)
			}
			return nil
		})
		s.logResult("submit_sample", res)
		return created.ID, err
	})
	if err != nil {
		return Sample{}, err
	}
	return created, nil
}

// DeleteSample removes a sample and decrements its batch counter in the same
// commit.
func (s *Service) DeleteSample(ctx context.Context, sampleID string) (DeleteResult, error) {
	result := DeleteResult{SampleID: sampleID}
	err := s.run(ctx, "delete_sample", func(ctx context.Context) (string, error) {
		var warning *domain.CounterDriftWarning
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			warning = nil
			sample, ok := tx.FindSample(sampleID)
			if !ok {
				return &domain.NotFoundError{Entity: EntitySample, ID: sampleID}
			}
			if err := tx.DeleteSample(sampleID); err != nil {
				return err
			}
			if sample.BatchID == nil {
				return nil
			}
			result.BatchID = *sample.BatchID
			w, err := onSampleDeleted(tx, *sample.BatchID, sampleID)
			warning = w
			return err
		})
		s.logResult("delete_sample", res)
		if err != nil {
			return sampleID, err
		}
		if warning != nil {
			result.Warning = warning
			s.logger.Warn("counter drift", "batch_id", warning.BatchID, "sample_id", warning.SampleID, "reason", warning.Reason)
		}
		return sampleID, nil
	})
	return result, err
}

// UpdateSample applies mutator to the sample as currently stored, re-read
// inside the transaction. Identity, display id and batch membership are
// immutable, and approval is only reachable through ApproveBatch.
func (s *Service) UpdateSample(ctx context.Context, sampleID string, mutator func(*Sample) error) (Sample, error) {
	var updated Sample
	err := s.run(ctx, "update_sample", func(ctx context.Context) (string, error) {
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			var err error
			updated, err = tx.UpdateSample(sampleID, func(sample *Sample) error {
				from := sample.Status
				if err := mutator(sample); err != nil {
					return err
				}
				if sample.Status == domain.SampleStatusApproved && from != domain.SampleStatusApproved {
					return &domain.StateError{Entity: EntitySample, ID: sampleID, From: string(from), To: string(sample.Status)}
				}
				if sample.MaturationDate != nil {
					sample.MaturationDate = domain.DatePtr(*sample.MaturationDate)
				}
				return nil
			})
			return err
		})
		s.logResult("update_sample", res)
		return sampleID, err
	})
	return updated, err
}

// RejectSample moves a pending sample to rejected. Rejecting a rejected
// sample is a no-op; an approved sample cannot be rejected.
func (s *Service) RejectSample(ctx context.Context, sampleID, reason string) (Sample, error) {
	var rejected Sample
	err := s.run(ctx, "reject_sample", func(ctx context.Context) (string, error) {
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			current, ok := tx.FindSample(sampleID)
			if !ok {
				return &domain.NotFoundError{Entity: EntitySample, ID: sampleID}
			}
			switch current.Status {
			case domain.SampleStatusRejected:
				rejected = current
				return nil
			case domain.SampleStatusApproved:
				return &domain.StateError{Entity: EntitySample, ID: sampleID, From: string(current.Status), To: string(domain.SampleStatusRejected)}
			}
			var err error
			rejected, err = tx.UpdateSample(sampleID, func(sample *Sample) error {
				sample.Status = domain.SampleStatusRejected
				sample.RejectionReason = reason
				return nil
			})
			return err
		})
		return sampleID, err
	})
	return rejected, err
}

// GetSample returns a sample by record id.
func (s *Service) GetSample(ctx context.Context, sampleID string) (Sample, error) {
	return s.findSample(ctx, "get_sample", sampleID, func(view TransactionView) (Sample, bool) {
		return view.FindSample(sampleID)
	})
}

// GetSampleByDisplayID returns a sample by its human-facing identifier.
func (s *Service) GetSampleByDisplayID(ctx context.Context, displayID string) (Sample, error) {
	return s.findSample(ctx, "get_sample_by_display_id", displayID, func(view TransactionView) (Sample, bool) {
		return view.FindSampleByDisplayID(displayID)
	})
}

func (s *Service) findSample(ctx context.Context, op, key string, find func(TransactionView) (Sample, bool)) (Sample, error) {
	var sample Sample
	err := s.run(ctx, op, func(ctx context.Context) (string, error) {
		return key, s.store.View(ctx, func(view TransactionView) error {
			found, ok := find(view)
			if !ok {
				return &domain.NotFoundError{Entity: EntitySample, ID: key}
			}
			sample = found
			return nil
		})
	})
	return sample, err
}

// ListSamplesByBatch returns the samples that belong to batchID ordered by display id.
func (s *Service) ListSamplesByBatch(ctx context.Context, batchID string) ([]Sample, error) {
	var out []Sample
	err := s.run(ctx, "list_samples_by_batch", func(ctx context.Context) (string, error) {
		return batchID, s.store.View(ctx, func(view TransactionView) error {
			if _, ok := view.FindBatch(batchID); !ok {
				return &domain.NotFoundError{Entity: EntityBatch, ID: batchID}
			}
			out = view.ListSamplesByBatch(batchID)
			return nil
		})
	})
	return out, err
}

// ListSamplesBySubmitter returns the samples created by submittedBy. An empty
// submitter lists every sample.
func (s *Service) ListSamplesBySubmitter(ctx context.Context, submittedBy string) ([]Sample, error) {
	var out []Sample
	err := s.run(ctx, "list_samples", func(ctx context.Context) (string, error) {
		return "", s.store.View(ctx, func(view TransactionView) error {
			for _, sample := range view.ListSamples() {
				if submittedBy == "" || sample.SubmittedBy == submittedBy {
					out = append(out, sample)
				}
			}
			return nil
		})
	})
	return out, err
}

// EffectiveStatus derives the displayed status of sample at now using the
// configured notification window.
func (s *Service) EffectiveStatus(sample Sample, now time.Time) DisplayStatus {
	return s.deriver.Derive(sample.Status, sample.MaturationDate, now)
}

// SampleStatusReport pairs a sample with its derived status.
type SampleStatusReport struct {
	Sample        Sample
	Status        DisplayStatus
	DaysRemaining *int
}

// DescribeSample derives the status of sample at now together with the signed
// number of days until maturation, when a date is set.
func (s *Service) DescribeSample(sample Sample, now time.Time) SampleStatusReport {
	report := SampleStatusReport{Sample: sample, Status: s.EffectiveStatus(sample, now)}
	if sample.MaturationDate != nil {
		days := domain.DaysBetween(now, *sample.MaturationDate)
		report.DaysRemaining = &days
	}
	return report
}
