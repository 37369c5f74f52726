// Package backup writes store snapshots to a blob store and restores them.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"shelflife/internal/blob"
	"shelflife/pkg/domain"
	"strings"
	"time"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "snapshots"

const (
	keyTimeLayout = "20060102T150405.000000000Z"
	contentType   = "application/json"
)

// ErrNotSnapshotter is returned when the store cannot export or import state.
var ErrNotSnapshotter = errors.New("backup: store does not support snapshots")

// Logger is the subset of the structured logger used here.
type Logger interface {
	Info(msg string, kv ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}

// Manager moves snapshots between a store and a blob bucket.
type Manager struct {
	store  domain.Snapshotter
	blobs  blob.Store
	prefix string
	now    func() time.Time
	logger Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrefix sets the key prefix; surrounding slashes are ignored.
func WithPrefix(prefix string) Option {
	return func(m *Manager) {
		if p := strings.Trim(prefix, "/"); p != "" {
			m.prefix = p
		}
	}
}

// WithClock overrides the clock used to name snapshots.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager builds a Manager for store. It fails with ErrNotSnapshotter when
// store does not implement domain.Snapshotter.
func NewManager(store any, blobs blob.Store, opts ...Option) (*Manager, error) {
	snap, ok := store.(domain.Snapshotter)
	if !ok {
		return nil, ErrNotSnapshotter
	}
	if blobs == nil {
		return nil, errors.New("backup: blob store required")
	}
	m := &Manager{
		store:  snap,
		blobs:  blobs,
		prefix: DefaultPrefix,
		now:    func() time.Time { return time.Now().UTC() },
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Backup exports the current state and writes it under
// <prefix>/<UTC timestamp>.json.
func (m *Manager) Backup(ctx context.Context) (blob.Info, error) {
	snapshot, err := m.store.ExportSnapshot(ctx)
	if err != nil {
		return blob.Info{}, fmt.Errorf("export snapshot: %w", err)
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return blob.Info{}, fmt.Errorf("encode snapshot: %w", err)
	}
	key := fmt.Sprintf("%s/%s.json", m.prefix, m.now().UTC().Format(keyTimeLayout))
	info, err := m.blobs.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"batches": fmt.Sprint(len(snapshot.Batches)),
			"samples": fmt.Sprint(len(snapshot.Samples)),
		},
	})
	if err != nil {
		return blob.Info{}, fmt.Errorf("write snapshot: %w", err)
	}
	m.logger.Info("snapshot written", "key", key, "batches", len(snapshot.Batches), "samples", len(snapshot.Samples))
	return info, nil
}

// List returns the stored snapshots, oldest first.
func (m *Manager) List(ctx context.Context) ([]blob.Info, error) {
	infos, err := m.blobs.List(ctx, m.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	out := infos[:0]
	for _, info := range infos {
		if strings.HasSuffix(info.Key, ".json") {
			out = append(out, info)
		}
	}
	return out, nil
}

// Latest returns the key of the newest snapshot.
func (m *Manager) Latest(ctx context.Context) (string, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "", fmt.Errorf("no snapshots under %s: %w", m.prefix, blob.ErrNotFound)
	}
	return infos[len(infos)-1].Key, nil
}

// Restore replaces the store's state with the snapshot at key. The store
// normalizes the snapshot on import, recomputing every batch counter.
func (m *Manager) Restore(ctx context.Context, key string) error {
	_, rc, err := m.blobs.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	defer func() { _ = rc.Close() }()
	var snapshot domain.Snapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	if err := m.store.ImportSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("import snapshot %s: %w", key, err)
	}
	m.logger.Info("snapshot restored", "key", key, "batches", len(snapshot.Batches), "samples", len(snapshot.Samples))
	return nil
}
