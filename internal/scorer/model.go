// Package scorer provides the reranker.Backend implementations: in-process
// models served from the artifact registry, the remote scoring service, and an
// LLM judge.
package scorer

import (
	"context"
	"errors"

	"github.com/knoguchi/rerank/internal/artifact"
	"github.com/knoguchi/rerank/internal/reranker"
)

// ModelBackend scores with an in-process model owned by an artifact registry.
// The first call builds or loads the artifact; later calls reuse the warm
// instance.
type ModelBackend struct {
	name      string
	modelName string
	registry  *artifact.Registry
}

var _ reranker.Backend = (*ModelBackend)(nil)

// NewModelBackend creates a backend named name that scores with modelName.
func NewModelBackend(name, modelName string, registry *artifact.Registry) *ModelBackend {
	return &ModelBackend{
		name:      name,
		modelName: modelName,
		registry:  registry,
	}
}

func (b *ModelBackend) Name() string { return b.name }

// ModelName returns the name of the model this backend loads.
func (b *ModelBackend) ModelName() string { return b.modelName }

// Warm makes sure the model artifact is ready without scoring anything.
func (b *ModelBackend) Warm(ctx context.Context) error {
	_, err := b.model(ctx)
	return err
}

func (b *ModelBackend) Score(ctx context.Context, query string, texts []string, batchSize int) ([]float32, error) {
	if len(texts) == 0 {
		return []float32{}, nil
	}

	model, err := b.model(ctx)
	if err != nil {
		return nil, err
	}

	return reranker.ScoreInBatches(ctx, b.name, texts, batchSize, func(ctx context.Context, batch []string) ([]float32, error) {
		scores, err := model.Predict(ctx, query, batch)
		if err != nil {
			if failure := reranker.ContextFailure(ctx, b.name); failure != nil {
				return nil, failure
			}
			return nil, reranker.Fail(b.name, reranker.KindUnavailable, err)
		}
		return scores, nil
	})
}

func (b *ModelBackend) model(ctx context.Context) (artifact.Model, error) {
	model, err := b.registry.EnsureReady(ctx, b.modelName)
	if err == nil {
		return model, nil
	}
	if errors.Is(err, artifact.ErrBuild) {
		return nil, reranker.Fail(b.name, reranker.KindArtifactBuild, err)
	}
	if failure := reranker.ContextFailure(ctx, b.name); failure != nil {
		return nil, failure
	}
	return nil, reranker.Fail(b.name, reranker.KindUnavailable, err)
}
