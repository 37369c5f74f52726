package core

import (
	"context"
	"fmt"
)

// CounterCorrection records one batch counter rewritten by ReconcileCounters.
type CounterCorrection struct {
	BatchID string
	Stored  int
	Actual  int
}

// ReconcileReport summarizes a reconciliation sweep. Orphans lists samples
// whose batch reference points at no batch.
type ReconcileReport struct {
	Corrections []CounterCorrection
	Orphans     []string
}

// ReconcileCounters recomputes every batch counter from the samples that
// reference it and rewrites the ones that drifted, all in one commit.
func (s *Service) ReconcileCounters(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	err := s.run(ctx, "reconcile_counters", func(ctx context.Context) (string, error) {
		_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			report = ReconcileReport{}
			view := tx.Snapshot()
			for _, batch := range view.ListBatches() {
				actual := len(view.ListSamplesByBatch(batch.ID))
				if actual == batch.SampleCount {
					continue
				}
				if _, err := tx.AdjustSampleCount(batch.ID, actual-batch.SampleCount); err != nil {
					return fmt.Errorf("reconcile batch %s: %w", batch.ID, err)
				}
				report.Corrections = append(report.Corrections, CounterCorrection{BatchID: batch.ID, Stored: batch.SampleCount, Actual: actual})
			}
			for _, sample := range view.ListSamples() {
				if sample.BatchID == nil {
					continue
				}
				if _, ok := view.FindBatch(*sample.BatchID); !ok {
					report.Orphans = append(report.Orphans, sample.ID)
				}
			}
			return nil
		})
		return "", err
	})
	if err != nil {
		return ReconcileReport{}, err
	}
	for _, c := range report.Corrections {
		s.logger.Warn("counter corrected", "batch_id", c.BatchID, "stored", c.Stored, "actual", c.Actual)
	}
	return report, nil
}
