//go:build !cgo

package model

import (
	"context"
	"errors"

	"github.com/knoguchi/rerank/internal/artifact"
)

// ErrEmbeddingNotAvailable is returned when the binary was built without CGO.
var ErrEmbeddingNotAvailable = errors.New("fastembed: not available (binary built without CGO support)")

// EmbeddingBuilder is a stub for non-CGO builds. Every export fails, so the
// accelerated tier reports an artifact build failure and the chain moves on.
type EmbeddingBuilder struct {
	MaxLength int
}

var _ artifact.Builder = EmbeddingBuilder{}

func (EmbeddingBuilder) Format() string { return "fastembed-onnx/v1" }

func (EmbeddingBuilder) Export(_ context.Context, _, _ string) error {
	return ErrEmbeddingNotAvailable
}

func (EmbeddingBuilder) Load(_ context.Context, _, _ string) (artifact.Model, error) {
	return nil, ErrEmbeddingNotAvailable
}
