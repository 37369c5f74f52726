// Package blob re-exports core blob abstractions and opens the configured
// backend.
package blob

import (
	"context"
	"fmt"
	"shelflife/internal/blob/core"
	"shelflife/internal/config"
	fsstore "shelflife/internal/infra/blob/fs"
	memorystore "shelflife/internal/infra/blob/memory"
	s3store "shelflife/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
)

const (
	// DriverMemory is the in-memory driver.
	DriverMemory = core.DriverMemory
	// DriverFilesystem is the local directory driver.
	DriverFilesystem = core.DriverFilesystem
	// DriverS3 is the S3-compatible driver.
	DriverS3 = core.DriverS3
)

var (
	// ErrExists indicates a create-only write hit an existing key.
	ErrExists = core.ErrExists
	// ErrNotFound indicates a missing object.
	ErrNotFound = core.ErrNotFound
)

// NewMemory returns an in-memory blob.Store.
func NewMemory() Store { return memorystore.New() }

// Open selects a Store implementation from the backup configuration.
func Open(ctx context.Context, cfg config.BackupConfig) (Store, error) {
	switch Driver(cfg.Driver) {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverFilesystem:
		store, err := fsstore.New(cfg.FSDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverS3:
		return s3store.New(ctx, s3store.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown blob driver %s", cfg.Driver)
	}
}
