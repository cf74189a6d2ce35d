package writer

import (
	"context"
	"fmt"

	"klinesync/models"
)

// ArchiveKey names one archive. Every (symbol, interval) pair owns exactly one.
type ArchiveKey struct {
	Symbol   string
	Interval string
}

func (k ArchiveKey) String() string {
	return fmt.Sprintf("%s-%s", k.Symbol, k.Interval)
}

// ArchiveStore persists archives. Load reports ok=false with a nil error
// when the archive does not exist yet. Save replaces the whole archive and
// must never leave a partial one behind.
type ArchiveStore interface {
	Load(ctx context.Context, key ArchiveKey) (models.Table, bool, error)
	Save(ctx context.Context, key ArchiveKey, table models.Table) error
}

// ArchiveError is a store failure for one archive.
type ArchiveError struct {
	Key ArchiveKey
	Op  string
	Err error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("%s archive %s: %v", e.Op, e.Key, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }
