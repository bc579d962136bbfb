package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/rerank/internal/embedder"
	"github.com/knoguchi/rerank/internal/repository"
	"github.com/knoguchi/rerank/internal/retriever"
	"github.com/knoguchi/rerank/internal/vectorstore"
)

// DefaultEmbedBatch is the number of chunks embedded per request.
const DefaultEmbedBatch = 32

// Source is a document to index.
type Source struct {
	Title    string
	Source   string
	Content  string
	Metadata map[string]string
}

// Indexer chunks documents, writes their index and registers them so the
// retriever cache can resolve them by ID.
type Indexer struct {
	chunker    *Chunker
	docs       repository.DocumentRepository
	store      vectorstore.VectorStore
	embedder   embedder.Embedder
	embedBatch int
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithChunker sets the chunk sizes.
func WithChunker(cfg ChunkerConfig) Option {
	return func(ix *Indexer) { ix.chunker = NewChunker(cfg) }
}

// WithDocuments registers indexed documents in repo. Without it documents are
// indexed but not registered.
func WithDocuments(repo repository.DocumentRepository) Option {
	return func(ix *Indexer) { ix.docs = repo }
}

// WithVectorStore enables IndexQdrant.
func WithVectorStore(store vectorstore.VectorStore, emb embedder.Embedder) Option {
	return func(ix *Indexer) {
		ix.store = store
		ix.embedder = emb
	}
}

// WithEmbedBatch sets how many chunks are embedded per request.
func WithEmbedBatch(n int) Option {
	return func(ix *Indexer) {
		if n > 0 {
			ix.embedBatch = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Indexer) { ix.logger = logger }
}

// NewIndexer creates an Indexer.
func NewIndexer(opts ...Option) *Indexer {
	ix := &Indexer{
		chunker:    NewChunker(ChunkerConfig{}),
		embedBatch: DefaultEmbedBatch,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// prepared is a chunked document that has not been written anywhere yet.
type prepared struct {
	id      uuid.UUID
	results []retriever.Result
}

func (ix *Indexer) prepare(src Source) (*prepared, error) {
	content := strings.TrimSpace(src.Content)
	if content == "" {
		return nil, fmt.Errorf("content cannot be empty")
	}

	id := uuid.New()
	contentHash := hashContent(content)

	chunks := ix.chunker.Chunk(content)
	results := make([]retriever.Result, len(chunks))
	for i, c := range chunks {
		meta := make(map[string]string, len(c.Metadata)+len(src.Metadata)+2)
		for k, v := range src.Metadata {
			meta[k] = v
		}
		for k, v := range c.Metadata {
			meta[k] = v
		}
		meta["document_id"] = id.String()
		meta["content_hash"] = contentHash

		results[i] = retriever.Result{
			ChunkID:  chunkID(id, c.Index),
			Text:     c.Content,
			Source:   src.Source,
			Metadata: meta,
		}
	}
	return &prepared{id: id, results: results}, nil
}

// IndexSQLite writes the document's chunks to an FTS5 file under dir and
// registers it.
func (ix *Indexer) IndexSQLite(ctx context.Context, src Source, dir string) (*repository.Document, error) {
	start := time.Now()

	p, err := ix.prepare(src)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(dir, p.id.String()+".sqlite"))
	if err != nil {
		return nil, fmt.Errorf("resolve index path: %w", err)
	}

	if err := retriever.WriteSQLiteIndex(ctx, path, p.results); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write index: %w", err)
	}

	doc := ix.document(p, src, repository.IndexKindSQLite)
	doc.IndexPath = path

	if err := ix.register(ctx, doc); err != nil {
		os.Remove(path)
		return nil, err
	}

	ix.logger.Info("indexed document",
		"document_id", doc.ID,
		"kind", doc.IndexKind,
		"path", path,
		"chunks", doc.ChunkCount,
		"duration", time.Since(start),
	)
	return doc, nil
}

// IndexQdrant embeds the document's chunks and upserts them into collection,
// creating it on first use.
func (ix *Indexer) IndexQdrant(ctx context.Context, src Source, collection string) (*repository.Document, error) {
	if ix.store == nil || ix.embedder == nil {
		return nil, fmt.Errorf("vector store is not configured")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	start := time.Now()

	p, err := ix.prepare(src)
	if err != nil {
		return nil, err
	}

	chunks := make([]vectorstore.Chunk, len(p.results))
	for i := 0; i < len(p.results); i += ix.embedBatch {
		end := min(i+ix.embedBatch, len(p.results))

		texts := make([]string, 0, end-i)
		for _, r := range p.results[i:end] {
			texts = append(texts, r.Text)
		}
		vectors, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed chunks %d-%d: %w", i, end, err)
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(texts))
		}

		for j, r := range p.results[i:end] {
			chunks[i+j] = vectorstore.Chunk{
				ID:         r.ChunkID,
				DocumentID: p.id.String(),
				Content:    r.Text,
				Source:     r.Source,
				Vector:     vectors[j],
				Metadata:   r.Metadata,
			}
		}
	}

	if err := ix.ensureCollection(ctx, collection, chunks); err != nil {
		return nil, err
	}
	if err := ix.store.Upsert(ctx, collection, chunks); err != nil {
		return nil, fmt.Errorf("upsert chunks: %w", err)
	}

	doc := ix.document(p, src, repository.IndexKindQdrant)
	doc.Collection = collection

	if err := ix.register(ctx, doc); err != nil {
		if derr := ix.store.DeleteDocument(ctx, collection, doc.ID.String()); derr != nil {
			ix.logger.Warn("failed to remove unregistered chunks", "document_id", doc.ID, "error", derr)
		}
		return nil, err
	}

	ix.logger.Info("indexed document",
		"document_id", doc.ID,
		"kind", doc.IndexKind,
		"collection", collection,
		"chunks", doc.ChunkCount,
		"duration", time.Since(start),
	)
	return doc, nil
}

func (ix *Indexer) ensureCollection(ctx context.Context, collection string, chunks []vectorstore.Chunk) error {
	exists, err := ix.store.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if exists {
		return nil
	}

	dim := ix.embedder.Dimension()
	if dim == 0 && len(chunks) > 0 {
		dim = len(chunks[0].Vector)
	}
	if dim == 0 {
		return fmt.Errorf("unknown vector dimension for model %s", ix.embedder.ModelName())
	}
	if err := ix.store.CreateCollection(ctx, collection, dim); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	ix.logger.Info("created collection", "collection", collection, "dimension", dim)
	return nil
}

func (ix *Indexer) document(p *prepared, src Source, kind string) *repository.Document {
	now := ix.now()
	title := src.Title
	if title == "" {
		title = src.Source
	}
	return &repository.Document{
		ID:         p.id,
		Title:      title,
		Source:     src.Source,
		IndexKind:  kind,
		ChunkCount: len(p.results),
		Status:     repository.StatusReady,
		Metadata:   src.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (ix *Indexer) register(ctx context.Context, doc *repository.Document) error {
	if ix.docs == nil {
		return nil
	}
	if err := ix.docs.Create(ctx, doc); err != nil {
		return fmt.Errorf("register document: %w", err)
	}
	return nil
}

// chunkID is stable per document and position, and a valid Qdrant point ID.
func chunkID(documentID uuid.UUID, index int) string {
	return uuid.NewSHA1(documentID, []byte(strconv.Itoa(index))).String()
}

func hashContent(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}
