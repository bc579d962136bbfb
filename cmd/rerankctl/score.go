package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/knoguchi/rerank/internal/scorer"
)

const defaultScoreURL = "http://localhost:8080/v1/score"

var scoreCmd = &cobra.Command{
	Use:   "score [chunk...]",
	Short: "Score chunks against a query on a scoring service",
	Long: `Send a query and chunks to a scoring service and print one score per chunk.
Chunks come from the arguments, or one per line from --file.

The endpoint defaults to REMOTE_RERANK_URL, then to a local rerankd.

Examples:
  rerankctl score -q "refund policy" "Refunds within 30 days." "Shipping is free."
  rerankctl score -q "refund policy" --file chunks.txt --url http://gpu:8000/v1/score`,
	RunE: runScore,
}

func init() {
	rootCmd.AddCommand(scoreCmd)

	scoreCmd.Flags().StringP("query", "q", "", "query to score against (required)")
	scoreCmd.Flags().StringP("file", "f", "", "read chunks from file, one per line")
	scoreCmd.Flags().String("url", "", "scoring endpoint")
	scoreCmd.Flags().Int("batch-size", 0, "chunks per request (default: REMOTE_MAX_BATCH)")
	scoreCmd.Flags().Duration("timeout", 30*time.Second, "request timeout")
	_ = scoreCmd.MarkFlagRequired("query")
}

type scoredLine struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
	Text  string  `json:"text"`
}

func runScore(cmd *cobra.Command, args []string) error {
	query, _ := cmd.Flags().GetString("query")
	file, _ := cmd.Flags().GetString("file")
	endpoint, _ := cmd.Flags().GetString("url")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	chunks := args
	if file != "" {
		lines, err := readLines(file)
		if err != nil {
			return err
		}
		chunks = append(chunks, lines...)
	}
	if len(chunks) == 0 {
		return fmt.Errorf("no chunks to score: pass them as arguments or with --file")
	}

	if endpoint == "" {
		endpoint = cfg.RemoteURL
	}
	if endpoint == "" {
		endpoint = defaultScoreURL
	}

	backend, err := scorer.NewRemoteBackend(scorer.RemoteConfig{
		URL:         endpoint,
		Timeout:     timeout,
		MaxBatch:    cfg.RemoteMaxBatch,
		Concurrency: cfg.RemoteConcurrency,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if batchSize <= 0 {
		batchSize = backend.MaxBatch()
	}

	scores, err := backend.Score(cmd.Context(), query, chunks, batchSize)
	if err != nil {
		return fmt.Errorf("score: %w", err)
	}

	out := make([]scoredLine, len(chunks))
	for i, text := range chunks {
		out[i] = scoredLine{Index: i, Score: scores[i], Text: text}
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}
