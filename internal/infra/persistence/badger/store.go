// Package badger provides a persistent store on BadgerDB. Unlike the
// snapshotting SQL stores it writes records individually inside native
// optimistic Badger transactions: every key a transaction reads is checked at
// commit, so concurrent writers that touch the same batch counter or display
// id index entry conflict instead of overwriting each other.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"shelflife/pkg/domain"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.Snapshotter     = (*Store)(nil)
)

const (
	prefixBatch        = "batch/"
	prefixSample       = "sample/"
	prefixDisplayIndex = "idx/sample_display/"
	prefixBatchMembers = "idx/batch_samples/"
)

func batchKey(id string) []byte          { return []byte(prefixBatch + id) }
func sampleKey(id string) []byte         { return []byte(prefixSample + id) }
func displayKey(display string) []byte   { return []byte(prefixDisplayIndex + display) }
func memberPrefix(batchID string) []byte { return []byte(prefixBatchMembers + batchID + "/") }
func memberKey(batchID, sampleID string) []byte {
	return []byte(prefixBatchMembers + batchID + "/" + sampleID)
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

// WithIDGenerator overrides the generator used for sample record ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Store is a BadgerDB-backed persistent store.
type Store struct {
	db     *badger.DB
	engine *domain.RulesEngine
	nowFn  func() time.Time
	newID  func() string
}

// Open opens or creates a Badger database in dir.
func Open(dir string, engine *domain.RulesEngine, opts ...Option) (*Store, error) {
	return open(badger.DefaultOptions(dir).WithLogger(nil), engine, opts...)
}

// OpenInMemory opens a Badger database that lives only in memory.
func OpenInMemory(engine *domain.RulesEngine, opts ...Option) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), engine, opts...)
}

func open(options badger.Options, engine *domain.RulesEngine, opts ...Option) (*Store, error) {
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		db:     db,
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *domain.RulesEngine { return s.engine }

// NowFunc returns the store's time provider.
func (s *Store) NowFunc() func() time.Time { return s.nowFn }

// RunInTransaction executes fn in one read-write Badger transaction. Rules are
// evaluated against the pending state before commit. A Badger conflict or
// commit error is reported as a *domain.CommitFailure with nothing applied.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	tx := &transaction{store: s, reader: reader{txn: txn}, txn: txn, now: s.nowFn()}
	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}
	if tx.err != nil {
		return domain.Result{}, tx.err
	}
	if len(tx.changes) == 0 {
		return domain.Result{}, nil
	}

	res, err := s.engine.Evaluate(ctx, &tx.reader, tx.changes)
	if err != nil {
		return domain.Result{}, err
	}
	if tx.reader.err != nil {
		return domain.Result{}, tx.reader.err
	}
	if res.HasBlocking() {
		return res, domain.RuleViolationError{Result: res}
	}
	if err := txn.Commit(); err != nil {
		return res, &domain.CommitFailure{Operation: "commit", Err: err}
	}
	return res, nil
}

// View executes fn against a read-only Badger transaction.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		r := &reader{txn: txn}
		if err := fn(r); err != nil {
			return err
		}
		return r.err
	})
}

func (s *Store) read(fn func(*reader)) error {
	return s.db.View(func(txn *badger.Txn) error {
		r := &reader{txn: txn}
		fn(r)
		return r.err
	})
}

// GetBatch retrieves a batch by id from committed state.
func (s *Store) GetBatch(id string) (domain.Batch, bool) {
	var (
		b  domain.Batch
		ok bool
	)
	_ = s.read(func(r *reader) { b, ok = r.FindBatch(id) })
	return b, ok
}

// GetSample retrieves a sample by record id from committed state.
func (s *Store) GetSample(id string) (domain.Sample, bool) {
	var (
		sample domain.Sample
		ok     bool
	)
	_ = s.read(func(r *reader) { sample, ok = r.FindSample(id) })
	return sample, ok
}

// ListBatches returns all committed batches sorted by id.
func (s *Store) ListBatches() []domain.Batch {
	var out []domain.Batch
	_ = s.read(func(r *reader) { out = r.ListBatches() })
	return out
}

// ListSamples returns all committed samples sorted by display id.
func (s *Store) ListSamples() []domain.Sample {
	var out []domain.Sample
	_ = s.read(func(r *reader) { out = r.ListSamples() })
	return out
}

// ExportSnapshot implements domain.Snapshotter.
func (s *Store) ExportSnapshot(ctx context.Context) (domain.Snapshot, error) {
	snapshot := domain.Snapshot{
		Batches: make(map[string]domain.Batch),
		Samples: make(map[string]domain.Sample),
	}
	err := s.View(ctx, func(view domain.TransactionView) error {
		for _, b := range view.ListBatches() {
			snapshot.Batches[b.ID] = b
		}
		for _, sample := range view.ListSamples() {
			snapshot.Samples[sample.ID] = sample
		}
		return nil
	})
	return snapshot, err
}

// ImportSnapshot replaces every record with the normalized snapshot in one
// transaction.
func (s *Store) ImportSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	if err := domain.ValidateSnapshot(snapshot); err != nil {
		return err
	}
	normalized := domain.NormalizeSnapshot(snapshot)
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	for _, prefix := range []string{prefixBatch, prefixSample, prefixDisplayIndex, prefixBatchMembers} {
		keys, err := collectKeys(txn, []byte(prefix))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return &domain.CommitFailure{Operation: "import_snapshot", Err: err}
			}
		}
	}
	for _, b := range normalized.Batches {
		if err := setJSON(txn, batchKey(b.ID), b); err != nil {
			return &domain.CommitFailure{Operation: "import_snapshot", Err: err}
		}
	}
	for _, sample := range normalized.Samples {
		if err := writeSample(txn, sample); err != nil {
			return &domain.CommitFailure{Operation: "import_snapshot", Err: err}
		}
	}
	if err := txn.Commit(); err != nil {
		return &domain.CommitFailure{Operation: "import_snapshot", Err: err}
	}
	return nil
}

func collectKeys(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func writeSample(txn *badger.Txn, sample domain.Sample) error {
	if err := setJSON(txn, sampleKey(sample.ID), sample); err != nil {
		return err
	}
	if err := txn.Set(displayKey(domain.NormalizeIdentifier(sample.DisplayID)), []byte(sample.ID)); err != nil {
		return err
	}
	if sample.BatchID != nil {
		return txn.Set(memberKey(*sample.BatchID, sample.ID), []byte(sample.ID))
	}
	return nil
}

// reader implements domain.TransactionView over a Badger transaction. The
// first storage error is kept and surfaced by the enclosing operation, since
// the view interface reports only found/not found.
type reader struct {
	txn *badger.Txn
	err error
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *reader) getJSON(key []byte, into any) bool {
	item, err := r.txn.Get(key)
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			r.fail(fmt.Errorf("get %s: %w", key, err))
		}
		return false
	}
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, into) }); err != nil {
		r.fail(fmt.Errorf("decode %s: %w", key, err))
		return false
	}
	return true
}

func (r *reader) getString(key []byte) (string, bool) {
	item, err := r.txn.Get(key)
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			r.fail(fmt.Errorf("get %s: %w", key, err))
		}
		return "", false
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		r.fail(fmt.Errorf("read %s: %w", key, err))
		return "", false
	}
	return string(val), true
}

// scan returns the values stored under prefix in key order.
func (r *reader) scan(prefix []byte) [][]byte {
	it := r.txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	var out [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			r.fail(fmt.Errorf("iterate %s: %w", prefix, err))
			return nil
		}
		out = append(out, val)
	}
	return out
}

func (r *reader) FindBatch(id string) (domain.Batch, bool) {
	var b domain.Batch
	if !r.getJSON(batchKey(id), &b) {
		return domain.Batch{}, false
	}
	return b, true
}

func (r *reader) FindSample(id string) (domain.Sample, bool) {
	var s domain.Sample
	if !r.getJSON(sampleKey(id), &s) {
		return domain.Sample{}, false
	}
	return s, true
}

func (r *reader) FindSampleByDisplayID(displayID string) (domain.Sample, bool) {
	id, ok := r.getString(displayKey(domain.NormalizeIdentifier(displayID)))
	if !ok {
		return domain.Sample{}, false
	}
	return r.FindSample(id)
}

func (r *reader) ListBatches() []domain.Batch {
	var out []domain.Batch
	for _, raw := range r.scan([]byte(prefixBatch)) {
		var b domain.Batch
		if err := json.Unmarshal(raw, &b); err != nil {
			r.fail(fmt.Errorf("decode batch: %w", err))
			return nil
		}
		out = append(out, b)
	}
	return out
}

// ListSamples walks the display id index so results come back ordered by display id.
func (r *reader) ListSamples() []domain.Sample {
	var out []domain.Sample
	for _, id := range r.scan([]byte(prefixDisplayIndex)) {
		if s, ok := r.FindSample(string(id)); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *reader) ListSamplesByBatch(batchID string) []domain.Sample {
	var out []domain.Sample
	for _, id := range r.scan(memberPrefix(batchID)) {
		if s, ok := r.FindSample(string(id)); ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayID < out[j].DisplayID })
	return out
}

type transaction struct {
	reader
	store   *Store
	txn     *badger.Txn
	changes []domain.Change
	now     time.Time
}

func (tx *transaction) Snapshot() domain.TransactionView { return &tx.reader }

func (tx *transaction) record(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

// writeFailed reports a rejected Set or Delete, such as badger.ErrTxnTooBig
// on a large cascade. The failure sticks to the transaction, so it is
// reported even when fn drops the error.
func (tx *transaction) writeFailed(err error) error {
	failure := &domain.CommitFailure{Operation: "commit", Err: err}
	tx.fail(failure)
	return failure
}

func (tx *transaction) CreateBatch(b domain.Batch) (domain.Batch, error) {
	b.ID = domain.NormalizeIdentifier(b.ID)
	if b.ID == "" {
		return domain.Batch{}, &domain.ValidationError{Field: "batch_id", Message: "required"}
	}
	if _, exists := tx.FindBatch(b.ID); exists {
		return domain.Batch{}, &domain.ConflictError{Entity: domain.EntityBatch, Field: "batch_id", Value: b.ID}
	}
	if tx.err != nil {
		return domain.Batch{}, tx.err
	}
	if b.SampleCount != 0 {
		return domain.Batch{}, &domain.ValidationError{Field: "sample_count", Message: "new batches start at zero"}
	}
	if b.Status == "" {
		b.Status = domain.BatchStatusPending
	}
	if !b.Status.Valid() {
		return domain.Batch{}, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown batch status %q", b.Status)}
	}
	b.CreatedAt = tx.now
	b.UpdatedAt = tx.now
	if err := setJSON(tx.txn, batchKey(b.ID), b); err != nil {
		return domain.Batch{}, tx.writeFailed(err)
	}
	tx.record(domain.Change{Entity: domain.EntityBatch, Action: domain.ActionCreate, After: domain.CloneBatch(b)})
	return b, nil
}

func (tx *transaction) loadBatch(id string) (domain.Batch, error) {
	b, ok := tx.FindBatch(id)
	if tx.err != nil {
		return domain.Batch{}, tx.err
	}
	if !ok {
		return domain.Batch{}, &domain.NotFoundError{Entity: domain.EntityBatch, ID: id}
	}
	return b, nil
}

func (tx *transaction) UpdateBatch(id string, mutator func(*domain.Batch) error) (domain.Batch, error) {
	current, err := tx.loadBatch(id)
	if err != nil {
		return domain.Batch{}, err
	}
	before := domain.CloneBatch(current)
	if err := mutator(&current); err != nil {
		return domain.Batch{}, err
	}
	if current.ID != id {
		return domain.Batch{}, &domain.ValidationError{Field: "batch_id", Message: "immutable"}
	}
	if current.SampleCount != before.SampleCount {
		return domain.Batch{}, &domain.ValidationError{Field: "sample_count", Message: "maintained by sample writes only"}
	}
	if !current.Status.Valid() {
		return domain.Batch{}, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown batch status %q", current.Status)}
	}
	current.UpdatedAt = tx.now
	if err := setJSON(tx.txn, batchKey(id), current); err != nil {
		return domain.Batch{}, tx.writeFailed(err)
	}
	tx.record(domain.Change{Entity: domain.EntityBatch, Action: domain.ActionUpdate, Before: before, After: domain.CloneBatch(current)})
	return current, nil
}

func (tx *transaction) AdjustSampleCount(batchID string, delta int) (domain.Batch, error) {
	current, err := tx.loadBatch(batchID)
	if err != nil {
		return domain.Batch{}, err
	}
	if current.SampleCount+delta < 0 {
		return domain.Batch{}, fmt.Errorf("batch %s: %w", batchID, domain.ErrNegativeSampleCount)
	}
	before := domain.CloneBatch(current)
	current.SampleCount += delta
	current.UpdatedAt = tx.now
	if err := setJSON(tx.txn, batchKey(batchID), current); err != nil {
		return domain.Batch{}, tx.writeFailed(err)
	}
	tx.record(domain.Change{Entity: domain.EntityBatch, Action: domain.ActionUpdate, Before: before, After: domain.CloneBatch(current)})
	return current, nil
}

func (tx *transaction) CreateSample(s domain.Sample) (domain.Sample, error) {
	if s.ID == "" {
		s.ID = tx.store.newID()
	}
	s.DisplayID = domain.NormalizeIdentifier(s.DisplayID)
	if s.DisplayID == "" {
		return domain.Sample{}, &domain.ValidationError{Field: "display_id", Message: "required"}
	}
	if _, exists := tx.FindSample(s.ID); exists {
		return domain.Sample{}, &domain.ConflictError{Entity: domain.EntitySample, Field: "id", Value: s.ID}
	}
	// Reading the index key puts it in this transaction's read set, so a
	// concurrent writer claiming the same display id conflicts at commit.
	if _, taken := tx.getString(displayKey(s.DisplayID)); taken {
		return domain.Sample{}, &domain.ConflictError{Entity: domain.EntitySample, Field: "display_id", Value: s.DisplayID}
	}
	if tx.err != nil {
		return domain.Sample{}, tx.err
	}
	if s.Status == "" {
		s.Status = domain.SampleStatusPending
	}
	if !s.Status.Valid() {
		return domain.Sample{}, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown sample status %q", s.Status)}
	}
	if s.BatchID != nil {
		if _, err := tx.loadBatch(*s.BatchID); err != nil {
			return domain.Sample{}, err
		}
	}
	s.CreatedAt = tx.now
	s.UpdatedAt = tx.now
	if err := writeSample(tx.txn, s); err != nil {
		return domain.Sample{}, tx.writeFailed(err)
	}
	tx.record(domain.Change{Entity: domain.EntitySample, Action: domain.ActionCreate, After: domain.CloneSample(s)})
	return s, nil
}

func (tx *transaction) UpdateSample(id string, mutator func(*domain.Sample) error) (domain.Sample, error) {
	current, ok := tx.FindSample(id)
	if tx.err != nil {
		return domain.Sample{}, tx.err
	}
	if !ok {
		return domain.Sample{}, &domain.NotFoundError{Entity: domain.EntitySample, ID: id}
	}
	before := domain.CloneSample(current)
	if err := mutator(&current); err != nil {
		return domain.Sample{}, err
	}
	switch {
	case current.ID != before.ID:
		return domain.Sample{}, &domain.ValidationError{Field: "id", Message: "immutable"}
	case domain.NormalizeIdentifier(current.DisplayID) != before.DisplayID:
		return domain.Sample{}, &domain.ValidationError{Field: "display_id", Message: "immutable"}
	case !sameBatch(before.BatchID, current.BatchID):
		return domain.Sample{}, &domain.ValidationError{Field: "batch_id", Message: "immutable"}
	case !current.Status.Valid():
		return domain.Sample{}, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown sample status %q", current.Status)}
	}
	current.UpdatedAt = tx.now
	if err := setJSON(tx.txn, sampleKey(id), current); err != nil {
		return domain.Sample{}, tx.writeFailed(err)
	}
	tx.record(domain.Change{Entity: domain.EntitySample, Action: domain.ActionUpdate, Before: before, After: domain.CloneSample(current)})
	return current, nil
}

func sameBatch(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (tx *transaction) DeleteSample(id string) error {
	current, ok := tx.FindSample(id)
	if tx.err != nil {
		return tx.err
	}
	if !ok {
		return &domain.NotFoundError{Entity: domain.EntitySample, ID: id}
	}
	keys := [][]byte{sampleKey(id), displayKey(domain.NormalizeIdentifier(current.DisplayID))}
	if current.BatchID != nil {
		keys = append(keys, memberKey(*current.BatchID, id))
	}
	for _, k := range keys {
		if err := tx.txn.Delete(k); err != nil {
			return tx.writeFailed(err)
		}
	}
	tx.record(domain.Change{Entity: domain.EntitySample, Action: domain.ActionDelete, Before: current})
	return nil
}
