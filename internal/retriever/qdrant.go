package retriever

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/knoguchi/rerank/internal/embedder"
	"github.com/knoguchi/rerank/internal/vectorstore"
)

// errClosed is returned by a retriever used after Close.
var errClosed = errors.New("retriever closed")

// QdrantOpener opens document-scoped retrievers over a shared vector store.
type QdrantOpener struct {
	store    vectorstore.VectorStore
	embedder embedder.Embedder
}

var _ Opener = (*QdrantOpener)(nil)

// NewQdrantOpener creates an opener. The store and embedder are shared by all
// retrievers it opens.
func NewQdrantOpener(store vectorstore.VectorStore, emb embedder.Embedder) *QdrantOpener {
	return &QdrantOpener{store: store, embedder: emb}
}

func (o *QdrantOpener) Open(ctx context.Context, loc Locator) (Retriever, error) {
	if loc.Collection == "" {
		return nil, fmt.Errorf("%w: document %s has no collection", ErrNotFound, loc.DocumentID)
	}

	exists, err := o.store.CollectionExists(ctx, loc.Collection)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: collection %s does not exist", ErrNotFound, loc.Collection)
	}

	return &QdrantRetriever{
		store:      o.store,
		embedder:   o.embedder,
		collection: loc.Collection,
		documentID: loc.DocumentID,
	}, nil
}

// QdrantRetriever searches one document's chunks in a Qdrant collection.
type QdrantRetriever struct {
	store      vectorstore.VectorStore
	embedder   embedder.Embedder
	collection string
	documentID string
	closed     atomic.Bool
}

var _ Retriever = (*QdrantRetriever)(nil)

func (r *QdrantRetriever) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	if r.closed.Load() {
		return nil, errClosed
	}
	if topK <= 0 {
		return []Result{}, nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := r.store.SearchDocument(ctx, r.collection, r.documentID, vector, topK)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		metadata := h.Metadata
		if metadata == nil {
			metadata = make(map[string]string)
		}
		results[i] = Result{
			ChunkID:  h.ID,
			Text:     h.Content,
			Score:    h.Score,
			Source:   h.Source,
			Metadata: metadata,
		}
	}
	return results, nil
}

// Close marks the retriever unusable. The shared client stays open.
func (r *QdrantRetriever) Close() error {
	r.closed.Store(true)
	return nil
}
