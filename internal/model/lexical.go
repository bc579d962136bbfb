// Package model provides the in-process scoring models loaded through
// internal/artifact.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/knoguchi/rerank/internal/artifact"
)

const lexicalParamsFile = "lexical.json"

// LexicalParams are the BM25-style parameters stored in a lexical artifact.
type LexicalParams struct {
	Model string `json:"model"`

	// K1 controls term frequency saturation.
	K1 float64 `json:"k1"`

	// B controls length normalization against AvgDocLen.
	B float64 `json:"b"`

	// AvgDocLen is the expected passage length in tokens.
	AvgDocLen float64 `json:"avg_doc_len"`

	// PhraseBoost is added for every adjacent query term pair found in order.
	PhraseBoost float64 `json:"phrase_boost"`

	Stopwords []string `json:"stopwords"`
}

// DefaultLexicalParams returns the parameters written by a fresh export.
func DefaultLexicalParams(modelName string) LexicalParams {
	return LexicalParams{
		Model:       modelName,
		K1:          1.2,
		B:           0.75,
		AvgDocLen:   120,
		PhraseBoost: 0.5,
		Stopwords: []string{
			"a", "an", "and", "are", "as", "at", "be", "by", "for", "from",
			"how", "in", "is", "it", "of", "on", "or", "that", "the", "this",
			"to", "was", "what", "when", "where", "which", "who", "why", "with",
		},
	}
}

// LexicalBuilder exports and loads lexical scoring models. It needs no network
// or native libraries, so it backs the local tier everywhere.
type LexicalBuilder struct{}

var _ artifact.Builder = LexicalBuilder{}

func (LexicalBuilder) Format() string { return "lexical/v1" }

func (LexicalBuilder) Export(_ context.Context, modelName, dir string) error {
	data, err := json.MarshalIndent(DefaultLexicalParams(modelName), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lexical params: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, lexicalParamsFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write lexical params: %w", err)
	}
	return nil
}

func (LexicalBuilder) Load(_ context.Context, _ string, dir string) (artifact.Model, error) {
	data, err := os.ReadFile(filepath.Join(dir, lexicalParamsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read lexical params: %w", err)
	}
	var params LexicalParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse lexical params: %w", err)
	}
	if params.K1 <= 0 || params.AvgDocLen <= 0 || params.B < 0 || params.B > 1 {
		return nil, fmt.Errorf("invalid lexical params: k1=%v b=%v avg_doc_len=%v", params.K1, params.B, params.AvgDocLen)
	}
	return NewLexical(params), nil
}

// Lexical scores each query/passage pair on its own, so a passage gets the same
// score whatever else is in its batch.
type Lexical struct {
	params    LexicalParams
	stopwords map[string]struct{}
}

var _ artifact.Model = (*Lexical)(nil)

// NewLexical creates a lexical model from params.
func NewLexical(params LexicalParams) *Lexical {
	stop := make(map[string]struct{}, len(params.Stopwords))
	for _, w := range params.Stopwords {
		stop[w] = struct{}{}
	}
	return &Lexical{params: params, stopwords: stop}
}

// Predict returns one score per text. Scores are non-negative and unbounded.
func (l *Lexical) Predict(ctx context.Context, query string, texts []string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qTerms := l.tokenize(query)
	scores := make([]float32, len(texts))
	for i, text := range texts {
		scores[i] = float32(l.score(qTerms, l.tokenize(text)))
	}
	return scores, nil
}

func (l *Lexical) Close() error { return nil }

func (l *Lexical) score(query, doc []string) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}

	tf := make(map[string]int, len(doc))
	for _, t := range doc {
		tf[t]++
	}

	norm := l.params.K1 * (1 - l.params.B + l.params.B*float64(len(doc))/l.params.AvgDocLen)

	var total float64
	seen := make(map[string]struct{}, len(query))
	for _, t := range query {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}

		f := float64(tf[t])
		if f == 0 {
			continue
		}
		total += termWeight(t) * f * (l.params.K1 + 1) / (f + norm)
	}

	if l.params.PhraseBoost > 0 && len(query) > 1 {
		bigrams := make(map[[2]string]struct{}, len(doc))
		for i := 0; i+1 < len(doc); i++ {
			bigrams[[2]string{doc[i], doc[i+1]}] = struct{}{}
		}
		for i := 0; i+1 < len(query); i++ {
			if _, ok := bigrams[[2]string{query[i], query[i+1]}]; ok {
				total += l.params.PhraseBoost
			}
		}
	}

	return total
}

// termWeight stands in for IDF without corpus statistics: longer terms are
// rarer and weigh more.
func termWeight(term string) float64 {
	return math.Log1p(float64(len([]rune(term))))
}

func (l *Lexical) tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	out := fields[:0]
	for _, f := range fields {
		if _, stop := l.stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}
