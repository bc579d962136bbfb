package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/rerank/internal/repository"
)

// DocumentResolver resolves locators from the document store and records the
// access, so stores can tell which indexes are in use.
type DocumentResolver struct {
	docs   repository.DocumentRepository
	logger *slog.Logger
	now    func() time.Time
}

var _ Resolver = (*DocumentResolver)(nil)

// NewDocumentResolver creates a resolver over docs.
func NewDocumentResolver(docs repository.DocumentRepository, logger *slog.Logger) *DocumentResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentResolver{docs: docs, logger: logger, now: time.Now}
}

func (r *DocumentResolver) Resolve(ctx context.Context, documentID string) (Locator, error) {
	id, err := uuid.Parse(documentID)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: invalid document id %q", ErrNotFound, documentID)
	}

	doc, err := r.docs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Locator{}, fmt.Errorf("%w: document %s", ErrNotFound, documentID)
		}
		return Locator{}, err
	}
	if doc.Status != repository.StatusReady {
		return Locator{}, fmt.Errorf("%w: document %s is %s", ErrNotFound, documentID, doc.Status)
	}

	if err := r.docs.TouchAccess(ctx, id, r.now()); err != nil {
		r.logger.Warn("failed to record document access", "document_id", documentID, "error", err)
	}

	return Locator{
		DocumentID: documentID,
		Kind:       Kind(doc.IndexKind),
		IndexPath:  doc.IndexPath,
		Collection: doc.Collection,
	}, nil
}
