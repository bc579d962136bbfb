// Package vectorstore provides vector similarity search over document chunks.
package vectorstore

import (
	"context"
)

// Chunk represents a document chunk with its embedding
type Chunk struct {
	ID         string
	DocumentID string
	Content    string
	Source     string
	Vector     []float32
	Metadata   map[string]string
}

// SearchResult represents a search result from the vector store
type SearchResult struct {
	ID         string
	DocumentID string
	Content    string
	Source     string
	Score      float32
	Metadata   map[string]string
}

// VectorStore defines the interface for vector storage operations.
// Collections hold the chunks of many documents, told apart by document ID.
type VectorStore interface {
	// CreateCollection creates a collection of dense vectors
	CreateCollection(ctx context.Context, collection string, dimension int) error

	// CollectionExists checks if a collection exists
	CollectionExists(ctx context.Context, collection string) (bool, error)

	// Upsert inserts or updates chunks in a collection
	Upsert(ctx context.Context, collection string, chunks []Chunk) error

	// SearchDocument performs similarity search restricted to one document
	SearchDocument(ctx context.Context, collection, documentID string, vector []float32, topK int) ([]SearchResult, error)

	// DeleteDocument removes every chunk of a document
	DeleteDocument(ctx context.Context, collection, documentID string) error
}
