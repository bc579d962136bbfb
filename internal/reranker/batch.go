package reranker

import (
	"context"
	"fmt"
)

// BatchFunc scores one batch of texts.
type BatchFunc func(ctx context.Context, batch []string) ([]float32, error)

// ScoreInBatches runs fn over consecutive batches of texts and concatenates the
// scores in submission order. The context is checked before every batch so a
// canceled request never starts a queued batch; a batch already running is left
// to finish. Any batch error or length mismatch fails the whole call.
func ScoreInBatches(ctx context.Context, backend string, texts []string, batchSize int, fn BatchFunc) ([]float32, error) {
	if len(texts) == 0 {
		return []float32{}, nil
	}
	if batchSize <= 0 || batchSize > len(texts) {
		batchSize = len(texts)
	}

	scores := make([]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		if failure := ContextFailure(ctx, backend); failure != nil {
			return nil, failure
		}

		end := min(start+batchSize, len(texts))
		batch, err := fn(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(batch) != end-start {
			return nil, Fail(backend, KindMalformed,
				fmt.Errorf("batch at offset %d: got %d scores for %d texts", start, len(batch), end-start))
		}
		scores = append(scores, batch...)
	}

	return scores, nil
}
