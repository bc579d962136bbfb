// Package retriever provides first-stage retrieval handles, one per document,
// and the cache that keeps them open between requests.
package retriever

import (
	"context"
	"errors"
	"fmt"

	"github.com/knoguchi/rerank/internal/reranker"
)

// ErrNotFound is returned when a document has no usable retriever. Callers
// treat it as "no results".
var ErrNotFound = errors.New("retriever not found")

// Result is one first-stage hit. Every field is always populated; optional
// ones default to their zero value.
type Result struct {
	ChunkID  string            `json:"chunk_id"`
	Text     string            `json:"text"`
	Score    float32           `json:"score"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata"`
}

// Chunk converts a result into a rerank candidate.
func (r Result) Chunk() reranker.Chunk {
	return reranker.Chunk{
		ID:       r.ChunkID,
		Text:     r.Text,
		Source:   r.Source,
		Metadata: r.Metadata,
	}
}

// Retriever searches the chunks of a single document.
type Retriever interface {
	// Search returns at most topK results, best first.
	Search(ctx context.Context, query string, topK int) ([]Result, error)

	// Close releases the resources held by the retriever.
	Close() error
}

// Kind names the index backing a document.
type Kind string

const (
	KindSQLite Kind = "sqlite"
	KindQdrant Kind = "qdrant"
)

// Locator tells an Opener where a document's index lives.
type Locator struct {
	DocumentID string
	Kind       Kind
	IndexPath  string
	Collection string
}

// Resolver looks up the locator of a document. It returns an error wrapping
// ErrNotFound when the document is unknown.
type Resolver interface {
	Resolve(ctx context.Context, documentID string) (Locator, error)
}

// Opener constructs a retriever for a locator.
type Opener interface {
	Open(ctx context.Context, loc Locator) (Retriever, error)
}

// Openers dispatches on Locator.Kind.
type Openers map[Kind]Opener

func (o Openers) Open(ctx context.Context, loc Locator) (Retriever, error) {
	opener, ok := o[loc.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported index kind %q for document %s", ErrNotFound, loc.Kind, loc.DocumentID)
	}
	return opener.Open(ctx, loc)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, documentID string) (Locator, error)

func (f ResolverFunc) Resolve(ctx context.Context, documentID string) (Locator, error) {
	return f(ctx, documentID)
}
