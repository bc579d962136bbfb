//go:build cgo

package model

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"

	"github.com/knoguchi/rerank/internal/artifact"
)

// embeddingModels maps accepted model names to fastembed model constants.
var embeddingModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"BAAI/bge-small-zh-v1.5":                 fastembed.BGESmallZH,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

// EmbeddingBuilder exports and loads ONNX embedding models through fastembed.
// Export downloads the model files into the artifact directory; Load opens
// them without network access.
type EmbeddingBuilder struct {
	// MaxLength is the maximum input sequence length. Zero means 512.
	MaxLength int
}

var _ artifact.Builder = EmbeddingBuilder{}

func (EmbeddingBuilder) Format() string { return "fastembed-onnx/v1" }

func (b EmbeddingBuilder) Export(_ context.Context, modelName, dir string) error {
	fe, err := b.open(modelName, dir)
	if err != nil {
		return err
	}
	// a throwaway pass proves the exported files produce embeddings
	if _, err := fe.QueryEmbed("warmup"); err != nil {
		fe.Destroy()
		return fmt.Errorf("warmup embedding: %w", err)
	}
	fe.Destroy()
	return nil
}

func (b EmbeddingBuilder) Load(_ context.Context, modelName, dir string) (artifact.Model, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact dir: %w", err)
	}
	if len(entries) <= 1 {
		return nil, fmt.Errorf("no model files in %s", filepath.Base(dir))
	}

	fe, err := b.open(modelName, dir)
	if err != nil {
		return nil, err
	}
	return &Embedding{model: fe}, nil
}

func (b EmbeddingBuilder) open(modelName, dir string) (*fastembed.FlagEmbedding, error) {
	model, ok := embeddingModels[modelName]
	if !ok {
		return nil, fmt.Errorf("unsupported embedding model %q", modelName)
	}

	maxLength := b.MaxLength
	if maxLength == 0 {
		maxLength = 512
	}
	showProgress := false

	fe, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             dir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing fastembed: %w", err)
	}
	return fe, nil
}

// Embedding scores a passage by the cosine similarity of its embedding to the
// query embedding.
type Embedding struct {
	mu    sync.Mutex
	model *fastembed.FlagEmbedding
}

var _ artifact.Model = (*Embedding)(nil)

func (e *Embedding) Predict(ctx context.Context, query string, texts []string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model == nil {
		return nil, fmt.Errorf("embedding model is closed")
	}

	q, err := e.model.QueryEmbed(query)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}
	passages, err := e.model.PassageEmbed(texts, len(texts))
	if err != nil {
		return nil, fmt.Errorf("passage embedding: %w", err)
	}
	if len(passages) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d texts", len(passages), len(texts))
	}

	scores := make([]float32, len(texts))
	for i, p := range passages {
		scores[i] = cosine(q, p)
	}
	return scores, nil
}

func (e *Embedding) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.model != nil {
		e.model.Destroy()
		e.model = nil
	}
	return nil
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
