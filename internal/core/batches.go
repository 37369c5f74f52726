package core

import (
	"context"
	"fmt"
	"shelflife/pkg/domain"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBatchIDPrefix prefixes generated batch ids.
	DefaultBatchIDPrefix = "BATCH"
	// DefaultBatchIDWidth is the zero-padded width of the numeric suffix.
	DefaultBatchIDWidth = 3
	maxBatchIDAttempts  = 5
)

// BatchIDGenerator proposes an id for a new batch. It sees the transaction
// state so sequential schemes can continue from the highest id in use.
// Proposals are collision-checked before the write.
type BatchIDGenerator func(view TransactionView) string

// SequentialBatchIDs numbers batches prefix001, prefix002, ... continuing
// after the largest numeric suffix already stored under prefix.
func SequentialBatchIDs(prefix string, width int) BatchIDGenerator {
	if width <= 0 {
		width = DefaultBatchIDWidth
	}
	return func(view TransactionView) string {
		highest := 0
		for _, b := range view.ListBatches() {
			suffix, ok := strings.CutPrefix(b.ID, prefix)
			if !ok {
				continue
			}
			if n, err := strconv.Atoi(suffix); err == nil && n > highest {
				highest = n
			}
		}
		return fmt.Sprintf("%s%0*d", prefix, width, highest+1)
	}
}

// RandomBatchIDs generates prefix-<uuid> ids.
func RandomBatchIDs(prefix string) BatchIDGenerator {
	return func(TransactionView) string {
		if prefix == "" {
			return uuid.NewString()
		}
		return prefix + "-" + uuid.NewString()
	}
}

// BatchInput carries the caller-supplied fields of a new batch. ID is
// optional; when empty one is generated.
type BatchInput struct {
	ID              string
	ProductName     string
	Description     string
	TestDate        time.Time
	OwnerEmployeeID string
}

// CreateBatch persists a new pending batch with a zero sample count. An
// explicit id that is already used is a ConflictError. A generated id that
// collides is regenerated a bounded number of times, stopping early once the
// generator repeats a proposal.
func (s *Service) CreateBatch(ctx context.Context, input BatchInput) (Batch, error) {
	if strings.TrimSpace(input.ProductName) == "" {
		return Batch{}, &domain.ValidationError{Field: "product_name", Message: "required"}
	}
	var created Batch
	err := s.run(ctx, "create_batch", func(ctx context.Context) (string, error) {
		testDate := input.TestDate
		if testDate.IsZero() {
			testDate = s.now()
		}
		res, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
			id, err := s.resolveBatchID(tx.Snapshot(), input.ID)
			if err != nil {
				return err
			}
			created, err = tx.CreateBatch(Batch{
				Base:            Base{ID: id},
				ProductName:     strings.TrimSpace(input.ProductName),
				Description:     input.Description,
				TestDate:        domain.DateOf(testDate),
				Status:          domain.BatchStatusPending,
				OwnerEmployeeID: input.OwnerEmployeeID,
			})
			return err
		})
		s.logResult("create_batch", res)
		return created.ID, err
	})
	return created, err
}

func (s *Service) resolveBatchID(view TransactionView, explicit string) (string, error) {
	if domain.NormalizeIdentifier(explicit) != "" {
		return checkBatchIDTx(view, explicit)
	}
	var (
		lastErr  error
		proposed = make(map[string]struct{}, maxBatchIDAttempts)
	)
	for range maxBatchIDAttempts {
		proposal := domain.NormalizeIdentifier(s.batchIDs(view))
		if _, seen := proposed[proposal]; seen {
			// The view is fixed for the transaction, so a repeat means the
			// generator is deterministic and every further proposal collides.
			break
		}
		proposed[proposal] = struct{}{}
		id, err := checkBatchIDTx(view, proposal)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !domain.IsConflict(err) {
			break
		}
	}
	return "", lastErr
}

// GetBatch returns a batch by id.
func (s *Service) GetBatch(ctx context.Context, id string) (Batch, error) {
	var batch Batch
	err := s.run(ctx, "get_batch", func(ctx context.Context) (string, error) {
		return id, s.store.View(ctx, func(view TransactionView) error {
			b, ok := view.FindBatch(id)
			if !ok {
				return &domain.NotFoundError{Entity: EntityBatch, ID: id}
			}
			batch = b
			return nil
		})
	})
	return batch, err
}

// ListBatches returns every batch ordered by id.
func (s *Service) ListBatches(ctx context.Context) ([]Batch, error) {
	return s.ListBatchesByOwner(ctx, "")
}

// ListBatchesByOwner returns the batches created by ownerEmployeeID. An empty
// owner lists every batch.
func (s *Service) ListBatchesByOwner(ctx context.Context, ownerEmployeeID string) ([]Batch, error) {
	var out []Batch
	err := s.run(ctx, "list_batches", func(ctx context.Context) (string, error) {
		return "", s.store.View(ctx, func(view TransactionView) error {
			for _, b := range view.ListBatches() {
				if ownerEmployeeID == "" || b.OwnerEmployeeID == ownerEmployeeID {
					out = append(out, b)
				}
			}
			return nil
		})
	})
	return out, err
}
