// Package repository defines domain models and data access interfaces for the
// documents whose indexes the retriever cache opens.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Index kinds stored in Document.IndexKind
const (
	IndexKindSQLite = "sqlite"
	IndexKindQdrant = "qdrant"
)

// Document statuses
const (
	StatusReady    = "ready"
	StatusIndexing = "indexing"
	StatusFailed   = "failed"
)

// Document represents an indexed document and where its index lives
type Document struct {
	ID         uuid.UUID
	Title      string
	Source     string
	IndexKind  string
	IndexPath  string // sqlite: path of the FTS5 index file
	Collection string // qdrant: collection holding the document's chunks
	ChunkCount int
	Status     string
	Metadata   map[string]string

	// LastAccessedAt is nil until the document is first searched
	LastAccessedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DocumentRepository defines operations for document persistence
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	List(ctx context.Context, limit, offset int) ([]*Document, int, error)

	// TouchAccess records that the document's index was opened
	TouchAccess(ctx context.Context, id uuid.UUID, at time.Time) error
}
