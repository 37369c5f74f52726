package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. Every write made through a Transaction
// lands together on commit or not at all.
type Transaction interface {
	Snapshot() TransactionView
	CreateBatch(Batch) (Batch, error)
	UpdateBatch(id string, mutator func(*Batch) error) (Batch, error)
	// AdjustSampleCount is the only writer of Batch.SampleCount. It refuses to
	// drive the counter below zero.
	AdjustSampleCount(batchID string, delta int) (Batch, error)
	CreateSample(Sample) (Sample, error)
	UpdateSample(id string, mutator func(*Sample) error) (Sample, error)
	DeleteSample(id string) error
	FindBatch(id string) (Batch, bool)
	FindSample(id string) (Sample, bool)
	FindSampleByDisplayID(displayID string) (Sample, bool)
	ListSamplesByBatch(batchID string) []Sample
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	RuleView
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetBatch(id string) (Batch, bool)
	GetSample(id string) (Sample, bool)
	ListBatches() []Batch
	ListSamples() []Sample
}

// Snapshotter is implemented by stores that can export and replace their full state.
type Snapshotter interface {
	ExportSnapshot(ctx context.Context) (Snapshot, error)
	ImportSnapshot(ctx context.Context, snapshot Snapshot) error
}
