package memory

import (
	"context"
	"fmt"
	"shelflife/pkg/domain"
)

// Backend lets a durable store run every memory transaction inside one of its
// own. Several clients may share the backend records, so each transaction
// begins by reloading them when another client has committed since.
type Backend interface {
	// Begin opens a backend transaction. When write is true it must hold off
	// other writers until it commits or rolls back.
	Begin(ctx context.Context, write bool) (BackendTx, error)
}

// BackendTx is one open backend transaction.
type BackendTx interface {
	// Version reports the revision of the committed records. Every
	// successful Write advances it.
	Version(ctx context.Context) (int64, error)
	// Load reads every committed record.
	Load(ctx context.Context) (Snapshot, error)
	// Write persists the outcome of a memory transaction.
	Write(ctx context.Context, commit Commit) error
	Commit() error
	Rollback() error
}

// Commit is the outcome of a memory transaction handed to a backend.
type Commit struct {
	// Version is the revision the backend records once the write applies.
	Version int64
	// Next is the full state after the transaction.
	Next Snapshot
	// Changes lists the record writes in order. It is empty when Replace is set.
	Changes []Change
	// Replace asks the backend to rewrite every record from Next.
	Replace bool
}

// SetBackend installs the durable backend. The next transaction, view or
// Refresh reloads state from it.
func (s *Store) SetBackend(b Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = b
	s.loaded = false
}

// Backend returns the installed backend or nil.
func (s *Store) Backend() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

// Version reports the backend revision the local state was loaded at.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Refresh reloads the local state from the backend when it has moved on.
// It is a no-op without a backend.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend == nil {
		return nil
	}
	return s.refreshLocked(ctx)
}

func (s *Store) refreshLocked(ctx context.Context) error {
	btx, err := s.beginLocked(ctx, false)
	if err != nil {
		return err
	}
	return btx.Rollback()
}

// beginLocked opens a backend transaction and brings the local state up to
// its revision. The caller holds s.mu.
func (s *Store) beginLocked(ctx context.Context, write bool) (BackendTx, error) {
	btx, err := s.backend.Begin(ctx, write)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	if err := s.syncLocked(ctx, btx); err != nil {
		_ = btx.Rollback()
		return nil, err
	}
	return btx, nil
}

func (s *Store) syncLocked(ctx context.Context, btx BackendTx) error {
	version, err := btx.Version(ctx)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if s.loaded && version == s.version {
		return nil
	}
	snapshot, err := btx.Load(ctx)
	if err != nil {
		return err
	}
	if err := domain.ValidateSnapshot(snapshot); err != nil {
		return fmt.Errorf("stored state at version %d: %w", version, err)
	}
	s.state = memoryStateFromSnapshot(domain.NormalizeSnapshot(snapshot))
	s.version = version
	s.loaded = true
	return nil
}
