package domain

// Snapshot captures a point-in-time copy of every record in a store.
type Snapshot struct {
	Batches map[string]Batch  `json:"batches"`
	Samples map[string]Sample `json:"samples"`
}

// CloneBatch returns a deep copy of b.
func CloneBatch(b Batch) Batch {
	cp := b
	if b.ApprovedAt != nil {
		t := *b.ApprovedAt
		cp.ApprovedAt = &t
	}
	return cp
}

// CloneSample returns a deep copy of s.
func CloneSample(s Sample) Sample {
	cp := s
	if s.MaturationDate != nil {
		t := *s.MaturationDate
		cp.MaturationDate = &t
	}
	if s.BatchID != nil {
		id := *s.BatchID
		cp.BatchID = &id
	}
	return cp
}

// NormalizeSnapshot repairs an imported snapshot so the store invariants hold:
// nil maps are allocated, samples referencing unknown batches become
// unassigned, unknown statuses fall back to pending, and every batch counter
// is recomputed from the samples that reference it.
func NormalizeSnapshot(snapshot Snapshot) Snapshot {
	out := Snapshot{
		Batches: make(map[string]Batch, len(snapshot.Batches)),
		Samples: make(map[string]Sample, len(snapshot.Samples)),
	}
	for id, batch := range snapshot.Batches {
		batch = CloneBatch(batch)
		batch.ID = id
		if !batch.Status.Valid() {
			batch.Status = BatchStatusPending
		}
		batch.SampleCount = 0
		out.Batches[id] = batch
	}
	for id, sample := range snapshot.Samples {
		sample = CloneSample(sample)
		sample.ID = id
		if !sample.Status.Valid() {
			sample.Status = SampleStatusPending
		}
		if sample.BatchID != nil {
			batch, ok := out.Batches[*sample.BatchID]
			if !ok {
				sample.BatchID = nil
			} else {
				batch.SampleCount++
				out.Batches[batch.ID] = batch
			}
		}
		out.Samples[id] = sample
	}
	return out
}

// ValidateSnapshot reports the first duplicated sample display identifier.
// Duplicates are never resolved automatically.
func ValidateSnapshot(snapshot Snapshot) error {
	seen := make(map[string]string, len(snapshot.Samples))
	for id, sample := range snapshot.Samples {
		key := NormalizeIdentifier(sample.DisplayID)
		if key == "" {
			return &ValidationError{Field: "display_id", Message: "sample " + id + " has no display id"}
		}
		if _, dup := seen[key]; dup {
			return &ConflictError{Entity: EntitySample, Field: "display_id", Value: key}
		}
		seen[key] = id
	}
	return nil
}
