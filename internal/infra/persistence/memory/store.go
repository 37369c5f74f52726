// Package memory provides an in-memory implementation of the core persistence
// store used for tests, ephemeral environments, and as the transactional
// engine behind the snapshotting SQL stores.
package memory

import (
	"context"
	"errors"
	"fmt"
	"shelflife/pkg/domain"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.Snapshotter     = (*Store)(nil)
)

type (
	// Batch aliases domain.Batch for in-memory persistence operations.
	Batch = domain.Batch
	// Sample aliases domain.Sample.
	Sample = domain.Sample
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// Snapshot aliases domain.Snapshot.
	Snapshot = domain.Snapshot
)

// CommitHook runs with the fully built next state while the store lock is held
// and before that state becomes visible. A non-nil error discards the
// transaction and the store keeps its previous state.
type CommitHook func(ctx context.Context, next Snapshot) error

type memoryState struct {
	batches map[string]Batch
	samples map[string]Sample
	// displayIDs indexes sample display identifiers to record ids.
	displayIDs map[string]string
}

func newMemoryState() memoryState {
	return memoryState{
		batches:    make(map[string]Batch),
		samples:    make(map[string]Sample),
		displayIDs: make(map[string]string),
	}
}

func (s memoryState) clone() memoryState {
	cloned := memoryState{
		batches:    make(map[string]Batch, len(s.batches)),
		samples:    make(map[string]Sample, len(s.samples)),
		displayIDs: make(map[string]string, len(s.displayIDs)),
	}
	for k, v := range s.batches {
		cloned.batches[k] = domain.CloneBatch(v)
	}
	for k, v := range s.samples {
		cloned.samples[k] = domain.CloneSample(v)
	}
	for k, v := range s.displayIDs {
		cloned.displayIDs[k] = v
	}
	return cloned
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Batches: make(map[string]Batch, len(state.batches)),
		Samples: make(map[string]Sample, len(state.samples)),
	}
	for k, v := range state.batches {
		s.Batches[k] = domain.CloneBatch(v)
	}
	for k, v := range state.samples {
		s.Samples[k] = domain.CloneSample(v)
	}
	return s
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Batches {
		state.batches[k] = domain.CloneBatch(v)
	}
	for k, v := range s.Samples {
		state.samples[k] = domain.CloneSample(v)
		state.displayIDs[domain.NormalizeIdentifier(v.DisplayID)] = k
	}
	return state
}

// Option configures a Store.
type Option func(*Store)

// WithNowFunc overrides the clock used for record timestamps.
func WithNowFunc(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// WithCommitHook installs a hook that must succeed before a transaction's state is published.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) { s.commitHook = hook }
}

// WithIDGenerator overrides the generator used for sample record ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Store provides an in-memory transactional store for the core domain.
// Transactions are serialized and operate on a private copy of the state, so
// a failed transaction never leaves partial writes behind.
type Store struct {
	mu         sync.RWMutex
	state      memoryState
	engine     *RulesEngine
	nowFn      func() time.Time
	newID      func() string
	commitHook CommitHook

	backend Backend
	// version is the backend revision state was loaded at; loaded is false
	// until the first refresh.
	version int64
	loaded  bool
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCommitHook replaces the commit hook. Wrapping stores install their
// persistence step through it after hydrating state.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitHook = hook
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState validates snapshot and replaces the local store state with its
// normalized form. Nothing is written to a backend; stores with one reload
// their committed records over it on the next refresh.
func (s *Store) ImportState(snapshot Snapshot) error {
	if err := domain.ValidateSnapshot(snapshot); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(domain.NormalizeSnapshot(snapshot))
	return nil
}

// ExportSnapshot implements domain.Snapshotter.
func (s *Store) ExportSnapshot(ctx context.Context) (Snapshot, error) {
	if s.Backend() == nil {
		return s.ExportState(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(ctx); err != nil {
		return Snapshot{}, err
	}
	return snapshotFromMemoryState(s.state), nil
}

// ImportSnapshot validates and installs a snapshot, running the commit hook
// and rewriting every backend record before the restored state is published.
func (s *Store) ImportSnapshot(ctx context.Context, snapshot Snapshot) error {
	if err := domain.ValidateSnapshot(snapshot); err != nil {
		return err
	}
	normalized := domain.NormalizeSnapshot(snapshot)
	s.mu.Lock()
	defer s.mu.Unlock()
	var btx BackendTx
	if s.backend != nil {
		var err error
		if btx, err = s.beginLocked(ctx, true); err != nil {
			return &domain.CommitFailure{Operation: "import_snapshot", Err: err}
		}
		defer func() {
			if btx != nil {
				_ = btx.Rollback()
			}
		}()
	}
	if s.commitHook != nil {
		if err := s.commitHook(ctx, normalized); err != nil {
			return &domain.CommitFailure{Operation: "import_snapshot", Err: err}
		}
	}
	if btx != nil {
		next := s.version + 1
		if err := btx.Write(ctx, Commit{Version: next, Next: normalized, Replace: true}); err != nil {
			return &domain.CommitFailure{Operation: "import_snapshot", Err: err}
		}
		if err := btx.Commit(); err != nil {
			return &domain.CommitFailure{Operation: "import_snapshot", Err: err}
		}
		btx = nil
		s.version = next
	}
	s.state = memoryStateFromSnapshot(normalized)
	return nil
}

// RulesEngine exposes the currently configured engine for integration points.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListBatches returns all batches sorted by id.
func (v transactionView) ListBatches() []Batch {
	out := make([]Batch, 0, len(v.state.batches))
	for _, b := range v.state.batches {
		out = append(out, domain.CloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListSamples returns all samples sorted by display id.
func (v transactionView) ListSamples() []Sample {
	out := make([]Sample, 0, len(v.state.samples))
	for _, s := range v.state.samples {
		out = append(out, domain.CloneSample(s))
	}
	sortSamples(out)
	return out
}

// FindBatch retrieves a batch by id from the snapshot.
func (v transactionView) FindBatch(id string) (Batch, bool) {
	b, ok := v.state.batches[id]
	if !ok {
		return Batch{}, false
	}
	return domain.CloneBatch(b), true
}

// FindSample retrieves a sample by record id from the snapshot.
func (v transactionView) FindSample(id string) (Sample, bool) {
	s, ok := v.state.samples[id]
	if !ok {
		return Sample{}, false
	}
	return domain.CloneSample(s), true
}

// FindSampleByDisplayID retrieves a sample by its human-facing identifier.
func (v transactionView) FindSampleByDisplayID(displayID string) (Sample, bool) {
	id, ok := v.state.displayIDs[domain.NormalizeIdentifier(displayID)]
	if !ok {
		return Sample{}, false
	}
	return v.FindSample(id)
}

// ListSamplesByBatch returns the samples that reference batchID.
func (v transactionView) ListSamplesByBatch(batchID string) []Sample {
	var out []Sample
	for _, s := range v.state.samples {
		if s.InBatch(batchID) {
			out = append(out, domain.CloneSample(s))
		}
	}
	sortSamples(out)
	return out
}

func sortSamples(samples []Sample) {
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].DisplayID != samples[j].DisplayID {
			return samples[i].DisplayID < samples[j].DisplayID
		}
		return samples[i].ID < samples[j].ID
	})
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var btx BackendTx
	if s.backend != nil {
		var err error
		if btx, err = s.beginLocked(ctx, true); err != nil {
			return Result{}, &domain.CommitFailure{Operation: "begin", Err: err}
		}
		defer func() {
			if btx != nil {
				_ = btx.Rollback()
			}
		}()
	}

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}
	if len(tx.changes) == 0 {
		return Result{}, nil
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if s.commitHook != nil {
		if err := s.commitHook(ctx, snapshotFromMemoryState(tx.state)); err != nil {
			return result, &domain.CommitFailure{Operation: "commit", Err: err}
		}
	}

	if btx != nil {
		next := s.version + 1
		commit := Commit{Version: next, Next: snapshotFromMemoryState(tx.state), Changes: tx.changes}
		if err := btx.Write(ctx, commit); err != nil {
			var conflict *domain.ConflictError
			if errors.As(err, &conflict) {
				return result, conflict
			}
			return result, &domain.CommitFailure{Operation: "commit", Err: err}
		}
		if err := btx.Commit(); err != nil {
			return result, &domain.CommitFailure{Operation: "commit", Err: err}
		}
		btx = nil
		s.version = next
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state. Stores
// with a backend first reload records committed by other clients.
func (s *Store) View(ctx context.Context, fn func(TransactionView) error) error {
	var snapshot memoryState
	if s.Backend() != nil {
		s.mu.Lock()
		if err := s.refreshLocked(ctx); err != nil {
			s.mu.Unlock()
			return err
		}
		snapshot = s.state.clone()
		s.mu.Unlock()
	} else {
		s.mu.RLock()
		snapshot = s.state.clone()
		s.mu.RUnlock()
	}
	view := newTransactionView(&snapshot)
	return fn(view)
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// FindBatch exposes batch lookup within the transaction scope.
func (tx *transaction) FindBatch(id string) (Batch, bool) {
	return tx.Snapshot().FindBatch(id)
}

// FindSample exposes sample lookup within the transaction scope.
func (tx *transaction) FindSample(id string) (Sample, bool) {
	return tx.Snapshot().FindSample(id)
}

// FindSampleByDisplayID exposes display id lookup within the transaction scope.
func (tx *transaction) FindSampleByDisplayID(displayID string) (Sample, bool) {
	return tx.Snapshot().FindSampleByDisplayID(displayID)
}

// ListSamplesByBatch exposes the batch membership query within the transaction scope.
func (tx *transaction) ListSamplesByBatch(batchID string) []Sample {
	return tx.Snapshot().ListSamplesByBatch(batchID)
}

// CreateBatch stores a new batch. The id must be supplied by the caller.
func (tx *transaction) CreateBatch(b Batch) (Batch, error) {
	b.ID = domain.NormalizeIdentifier(b.ID)
	if b.ID == "" {
		return Batch{}, &domain.ValidationError{Field: "batch_id", Message: "required"}
	}
	if _, exists := tx.state.batches[b.ID]; exists {
		return Batch{}, &domain.ConflictError{Entity: domain.EntityBatch, Field: "batch_id", Value: b.ID}
	}
	if b.SampleCount != 0 {
		return Batch{}, &domain.ValidationError{Field: "sample_count", Message: "new batches start at zero"}
	}
	if b.Status == "" {
		b.Status = domain.BatchStatusPending
	}
	if !b.Status.Valid() {
		return Batch{}, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown batch status %q", b.Status)}
	}
	b.CreatedAt = tx.now
	b.UpdatedAt = tx.now
	tx.state.batches[b.ID] = domain.CloneBatch(b)
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionCreate, After: domain.CloneBatch(b)})
	return domain.CloneBatch(b), nil
}

// UpdateBatch mutates an existing batch. The counter and id are read-only here.
func (tx *transaction) UpdateBatch(id string, mutator func(*Batch) error) (Batch, error) {
	current, ok := tx.state.batches[id]
	if !ok {
		return Batch{}, &domain.NotFoundError{Entity: domain.EntityBatch, ID: id}
	}
	before := domain.CloneBatch(current)
	if err := mutator(&current); err != nil {
		return Batch{}, err
	}
	if current.ID != id {
		return Batch{}, &domain.ValidationError{Field: "batch_id", Message: "immutable"}
	}
	if current.SampleCount != before.SampleCount {
		return Batch{}, &domain.ValidationError{Field: "sample_count", Message: "maintained by sample writes only"}
	}
	if !current.Status.Valid() {
		return Batch{}, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown batch status %q", current.Status)}
	}
	current.UpdatedAt = tx.now
	tx.state.batches[id] = domain.CloneBatch(current)
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionUpdate, Before: before, After: domain.CloneBatch(current)})
	return domain.CloneBatch(current), nil
}

// AdjustSampleCount applies delta to a batch counter.
func (tx *transaction) AdjustSampleCount(batchID string, delta int) (Batch, error) {
	current, ok := tx.state.batches[batchID]
	if !ok {
		return Batch{}, &domain.NotFoundError{Entity: domain.EntityBatch, ID: batchID}
	}
	if current.SampleCount+delta < 0 {
		return Batch{}, fmt.Errorf("batch %s: %w", batchID, domain.ErrNegativeSampleCount)
	}
	before := domain.CloneBatch(current)
	current.SampleCount += delta
	current.UpdatedAt = tx.now
	tx.state.batches[batchID] = domain.CloneBatch(current)
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionUpdate, Before: before, After: domain.CloneBatch(current)})
	return domain.CloneBatch(current), nil
}

// CreateSample stores a sample record, enforcing display id uniqueness.
func (tx *transaction) CreateSample(s Sample) (Sample, error) {
	if s.ID == "" {
		s.ID = tx.store.newID()
	}
	if _, exists := tx.state.samples[s.ID]; exists {
		return Sample{}, &domain.ConflictError{Entity: domain.EntitySample, Field: "id", Value: s.ID}
	}
	s.DisplayID = domain.NormalizeIdentifier(s.DisplayID)
	if s.DisplayID == "" {
		return Sample{}, &domain.ValidationError{Field: "display_id", Message: "required"}
	}
	if _, taken := tx.state.displayIDs[s.DisplayID]; taken {
		return Sample{}, &domain.ConflictError{Entity: domain.EntitySample, Field: "display_id", Value: s.DisplayID}
	}
	if s.Status == "" {
		s.Status = domain.SampleStatusPending
	}
	if !s.Status.Valid() {
		return Sample{}, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown sample status %q", s.Status)}
	}
	if s.BatchID != nil {
		if _, ok := tx.state.batches[*s.BatchID]; !ok {
			return Sample{}, &domain.NotFoundError{Entity: domain.EntityBatch, ID: *s.BatchID}
		}
	}
	s.CreatedAt = tx.now
	s.UpdatedAt = tx.now
	tx.state.samples[s.ID] = domain.CloneSample(s)
	tx.state.displayIDs[s.DisplayID] = s.ID
	tx.recordChange(Change{Entity: domain.EntitySample, Action: domain.ActionCreate, After: domain.CloneSample(s)})
	return domain.CloneSample(s), nil
}

// UpdateSample mutates an existing sample re-read from the transaction state.
// Status transitions are policed by the lifecycle rule at commit time.
func (tx *transaction) UpdateSample(id string, mutator func(*Sample) error) (Sample, error) {
	current, ok := tx.state.samples[id]
	if !ok {
		return Sample{}, &domain.NotFoundError{Entity: domain.EntitySample, ID: id}
	}
	before := domain.CloneSample(current)
	if err := mutator(&current); err != nil {
		return Sample{}, err
	}
	if err := checkSampleUpdate(before, current); err != nil {
		return Sample{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.samples[id] = domain.CloneSample(current)
	tx.recordChange(Change{Entity: domain.EntitySample, Action: domain.ActionUpdate, Before: before, After: domain.CloneSample(current)})
	return domain.CloneSample(current), nil
}

func checkSampleUpdate(before, after Sample) error {
	if after.ID != before.ID {
		return &domain.ValidationError{Field: "id", Message: "immutable"}
	}
	if domain.NormalizeIdentifier(after.DisplayID) != before.DisplayID {
		return &domain.ValidationError{Field: "display_id", Message: "immutable"}
	}
	if !sameBatch(before.BatchID, after.BatchID) {
		return &domain.ValidationError{Field: "batch_id", Message: "immutable"}
	}
	if !after.Status.Valid() {
		return &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown sample status %q", after.Status)}
	}
	return nil
}

func sameBatch(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// DeleteSample removes a sample from state.
func (tx *transaction) DeleteSample(id string) error {
	current, ok := tx.state.samples[id]
	if !ok {
		return &domain.NotFoundError{Entity: domain.EntitySample, ID: id}
	}
	delete(tx.state.samples, id)
	delete(tx.state.displayIDs, domain.NormalizeIdentifier(current.DisplayID))
	tx.recordChange(Change{Entity: domain.EntitySample, Action: domain.ActionDelete, Before: domain.CloneSample(current)})
	return nil
}

// Read helpers ---------------------------------------------------------------
// They read the state as of the last transaction, view or refresh.

// GetBatch retrieves a batch by id from committed state.
func (s *Store) GetBatch(id string) (Batch, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.state.batches[id]
	if !ok {
		return Batch{}, false
	}
	return domain.CloneBatch(b), true
}

// GetSample retrieves a sample by record id from committed state.
func (s *Store) GetSample(id string) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.state.samples[id]
	if !ok {
		return Sample{}, false
	}
	return domain.CloneSample(sample), true
}

// ListBatches returns all batches from committed state.
func (s *Store) ListBatches() []Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListBatches()
}

// ListSamples returns all samples from committed state.
func (s *Store) ListSamples() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListSamples()
}

// IsCommitFailure reports whether err came from a failed commit hook.
func IsCommitFailure(err error) bool {
	var cf *domain.CommitFailure
	return errors.As(err, &cf)
}
