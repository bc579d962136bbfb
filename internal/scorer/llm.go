package scorer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/knoguchi/rerank/internal/llm"
	"github.com/knoguchi/rerank/internal/reranker"
)

// LLMBackend uses an LLM as a relevance judge. The model sees the query and
// every passage of a batch together in one prompt, so a passage's score is
// relative to its batch neighbours and changes with batch_size. Unlike the
// other tiers its output is not batch-invariant.
type LLMBackend struct {
	llmClient llm.LLM
	model     string
	maxChars  int
}

var _ reranker.Backend = (*LLMBackend)(nil)

// LLMBackendOption is a functional option for configuring LLMBackend.
type LLMBackendOption func(*LLMBackend)

// WithModel sets the model to use for judging.
func WithModel(model string) LLMBackendOption {
	return func(b *LLMBackend) {
		b.model = model
	}
}

// WithMaxChars sets how much of each passage is shown to the model.
func WithMaxChars(n int) LLMBackendOption {
	return func(b *LLMBackend) {
		if n > 0 {
			b.maxChars = n
		}
	}
}

// NewLLMBackend creates a new LLM-based backend.
func NewLLMBackend(llmClient llm.LLM, opts ...LLMBackendOption) *LLMBackend {
	b := &LLMBackend{
		llmClient: llmClient,
		model:     "llama3.2",
		maxChars:  500,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *LLMBackend) Name() string { return "llm" }

// relevanceScore represents the structured output from the LLM.
type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float32 `json:"score"`
	Reason   string  `json:"reason,omitempty"`
}

type judgeResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Score asks the LLM for a 0..1 relevance score per passage, one prompt per
// batch. An answer that cannot be parsed fails the call.
func (b *LLMBackend) Score(ctx context.Context, query string, texts []string, batchSize int) ([]float32, error) {
	return reranker.ScoreInBatches(ctx, b.Name(), texts, batchSize, func(ctx context.Context, batch []string) ([]float32, error) {
		response, err := b.llmClient.Generate(ctx, b.buildPrompt(query, batch), llm.GenerateOptions{
			Model:       b.model,
			Format:      "json",
			Temperature: 0.0, // deterministic scoring
			MaxTokens:   1024,
		})
		if err != nil {
			if failure := reranker.ContextFailure(ctx, b.Name()); failure != nil {
				return nil, failure
			}
			return nil, reranker.Fail(b.Name(), reranker.KindUnavailable, fmt.Errorf("LLM judging failed: %w", err))
		}

		scores, err := parseJudgeResponse(response, len(batch))
		if err != nil {
			return nil, reranker.Fail(b.Name(), reranker.KindMalformed, err)
		}
		return scores, nil
	})
}

func (b *LLMBackend) buildPrompt(query string, passages []string) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Documents to score:\n")
	for i, passage := range passages {
		if r := []rune(passage); len(r) > b.maxChars {
			passage = string(r[:b.maxChars]) + "..."
		}
		fmt.Fprintf(&sb, "[Doc %d]: %s\n\n", i, passage)
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseJudgeResponse extracts scores from the LLM response. Entries the model
// skipped get 0.5; an answer with no usable entry is an error.
func parseJudgeResponse(response string, n int) ([]float32, error) {
	response = strings.TrimSpace(response)

	// Try to extract JSON from markdown code blocks if present
	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	response = strings.TrimSpace(response)

	var parsed judgeResponse
	if err := json.Unmarshal([]byte(response), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse judge response: %w", err)
	}

	scores := make([]float32, n)
	for i := range scores {
		scores[i] = 0.5
	}

	matched := 0
	for _, s := range parsed.Scores {
		if s.DocIndex < 0 || s.DocIndex >= n {
			continue
		}
		scores[s.DocIndex] = min(max(s.Score, 0), 1)
		matched++
	}
	if matched == 0 {
		return nil, fmt.Errorf("judge response scored none of %d documents", n)
	}

	return scores, nil
}
