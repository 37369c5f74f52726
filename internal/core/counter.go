package core

import (
	"errors"
	"shelflife/pkg/domain"
)

// Counter maintenance. AdjustSampleCount is the only writer of
// Batch.SampleCount and both helpers run inside the transaction that writes
// the sample record.

// onSampleAdded increments the parent counter. A missing batch fails the
// whole transaction, sample insert included.
func onSampleAdded(tx Transaction, batchID string) error {
	_, err := tx.AdjustSampleCount(batchID, 1)
	return err
}

// onSampleDeleted decrements the parent counter. A missing batch or a counter
// already at zero is reported as drift and the deletion still proceeds.
func onSampleDeleted(tx Transaction, batchID, sampleID string) (*domain.CounterDriftWarning, error) {
	batch, ok := tx.FindBatch(batchID)
	if !ok {
		return &domain.CounterDriftWarning{BatchID: batchID, SampleID: sampleID, Reason: "batch not found"}, nil
	}
	if batch.SampleCount <= 0 {
		return &domain.CounterDriftWarning{BatchID: batchID, SampleID: sampleID, Reason: "counter already zero"}, nil
	}
	if _, err := tx.AdjustSampleCount(batchID, -1); err != nil {
		if errors.Is(err, domain.ErrNegativeSampleCount) {
			return &domain.CounterDriftWarning{BatchID: batchID, SampleID: sampleID, Reason: "counter already zero"}, nil
		}
		return nil, err
	}
	return nil, nil
}
