// Package ingestion turns plain text into per-document indexes the retriever
// cache can open.
package ingestion

import (
	"strconv"
	"strings"
	"unicode"
)

// ChunkerConfig sizes chunks in words.
type ChunkerConfig struct {
	TargetWords  int // flush once a chunk reaches this size (default 200)
	MaxWords     int // never exceed this size (default 400)
	OverlapWords int // words repeated from the previous chunk (default 30)
}

// Chunk is one piece of a document.
type Chunk struct {
	Content  string
	Index    int
	Metadata map[string]string
}

// Chunker packs whole sentences into chunks.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a Chunker, filling unset sizes with defaults.
func NewChunker(config ChunkerConfig) *Chunker {
	if config.TargetWords <= 0 {
		config.TargetWords = 200
	}
	if config.MaxWords < config.TargetWords {
		config.MaxWords = 2 * config.TargetWords
	}
	if config.OverlapWords < 0 {
		config.OverlapWords = 0
	} else if config.OverlapWords == 0 {
		config.OverlapWords = 30
	}
	if config.OverlapWords >= config.TargetWords {
		config.OverlapWords = config.TargetWords / 4
	}
	return &Chunker{config: config}
}

// Chunk splits content into chunks of whole sentences. A sentence longer than
// MaxWords is split on word boundaries.
func (c *Chunker) Chunk(content string) []Chunk {
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []Chunk
	var current []string
	words, carried := 0, 0

	flush := func() {
		chunks = append(chunks, newChunk(strings.Join(current, " "), len(chunks), len(current)))
		current, words = c.overlap(current)
		carried = words
	}

	for _, sentence := range sentences {
		n := len(strings.Fields(sentence))

		if n > c.config.MaxWords {
			if words > carried {
				chunks = append(chunks, newChunk(strings.Join(current, " "), len(chunks), len(current)))
			}
			current, words, carried = nil, 0, 0
			for _, part := range c.splitLong(sentence) {
				chunks = append(chunks, newChunk(part, len(chunks), 0))
			}
			continue
		}

		if words+n > c.config.MaxWords && words > 0 {
			flush()
		}

		current = append(current, sentence)
		words += n

		if words >= c.config.TargetWords {
			flush()
		}
	}

	// overlap alone is not a chunk
	if words > carried {
		chunks = append(chunks, newChunk(strings.Join(current, " "), len(chunks), len(current)))
	}

	return chunks
}

// overlap returns the trailing sentences carried into the next chunk.
func (c *Chunker) overlap(sentences []string) ([]string, int) {
	if c.config.OverlapWords == 0 {
		return nil, 0
	}
	var kept []string
	words := 0
	for i := len(sentences) - 1; i > 0 && words < c.config.OverlapWords; i-- {
		kept = append([]string{sentences[i]}, kept...)
		words += len(strings.Fields(sentences[i]))
	}
	if words > c.config.OverlapWords*2 {
		return nil, 0
	}
	return kept, words
}

func (c *Chunker) splitLong(sentence string) []string {
	words := strings.Fields(sentence)
	step := c.config.TargetWords - c.config.OverlapWords
	if step <= 0 {
		step = 1
	}

	var parts []string
	for i := 0; i < len(words); i += step {
		end := min(i+c.config.TargetWords, len(words))
		parts = append(parts, strings.Join(words[i:end], " "))
		if end == len(words) {
			break
		}
	}
	return parts
}

func newChunk(content string, index, sentences int) Chunk {
	meta := map[string]string{
		"chunk_index": strconv.Itoa(index),
		"word_count":  strconv.Itoa(len(strings.Fields(content))),
	}
	if sentences > 0 {
		meta["sentence_count"] = strconv.Itoa(sentences)
	} else {
		meta["split"] = "true"
	}
	return Chunk{Content: strings.TrimSpace(content), Index: index, Metadata: meta}
}

// splitSentences splits on . ! ? followed by whitespace or end of text.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	space := false
	for i, r := range runes {
		if unicode.IsSpace(r) {
			space = current.Len() > 0
			continue
		}
		if space {
			current.WriteRune(' ')
			space = false
		}
		current.WriteRune(r)

		if (r == '.' || r == '!' || r == '?') && (i+1 >= len(runes) || unicode.IsSpace(runes[i+1])) {
			sentence := strings.TrimSpace(current.String())
			if sentence != "" && !endsWithAbbreviation(sentence) {
				sentences = append(sentences, sentence)
				current.Reset()
			}
		}
	}

	if rest := strings.TrimSpace(current.String()); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

var abbreviations = []string{
	"mr.", "mrs.", "ms.", "dr.", "prof.",
	"inc.", "ltd.", "corp.",
	"etc.", "e.g.", "i.e.",
	"vs.", "no.", "vol.", "fig.",
}

func endsWithAbbreviation(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, abbr := range abbreviations {
		if lower == abbr || strings.HasSuffix(lower, " "+abbr) {
			return true
		}
	}
	return false
}
