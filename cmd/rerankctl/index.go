package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/knoguchi/rerank/internal/embedder"
	"github.com/knoguchi/rerank/internal/ingestion"
	"github.com/knoguchi/rerank/internal/repository"
	"github.com/knoguchi/rerank/internal/repository/postgres"
	"github.com/knoguchi/rerank/internal/vectorstore"
)

var indexCmd = &cobra.Command{
	Use:   "index <file>...",
	Short: "Index text files as searchable documents",
	Long: `Chunk each file into sentences and write a per-document index that rerankd's
retriever cache can open, then register the document in PostgreSQL.

With --kind sqlite each document gets its own FTS5 file under INDEX_DIR.
With --kind qdrant chunks are embedded with the Ollama embedding model and
upserted into a shared collection.

Examples:
  rerankctl index handbook.txt faq.txt
  rerankctl index --kind qdrant --collection support policy.txt
  rerankctl index --no-register --dir ./fixtures sample.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)

	indexCmd.Flags().String("kind", repository.IndexKindSQLite, "index kind: sqlite or qdrant")
	indexCmd.Flags().String("dir", "", "directory for sqlite indexes (default: INDEX_DIR)")
	indexCmd.Flags().String("collection", "documents", "qdrant collection")
	indexCmd.Flags().String("title", "", "document title (default: file name)")
	indexCmd.Flags().Bool("no-register", false, "write the index without registering it in PostgreSQL")
	indexCmd.Flags().Int("target-words", 200, "target chunk size in words")
	indexCmd.Flags().Int("overlap-words", 30, "words repeated between chunks")
}

type indexedDocument struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Kind       string `json:"kind"`
	Path       string `json:"path,omitempty"`
	Collection string `json:"collection,omitempty"`
	Chunks     int    `json:"chunks"`
	Registered bool   `json:"registered"`
}

func runIndex(cmd *cobra.Command, args []string) error {
	kind, _ := cmd.Flags().GetString("kind")
	dir, _ := cmd.Flags().GetString("dir")
	collection, _ := cmd.Flags().GetString("collection")
	title, _ := cmd.Flags().GetString("title")
	noRegister, _ := cmd.Flags().GetBool("no-register")
	targetWords, _ := cmd.Flags().GetInt("target-words")
	overlapWords, _ := cmd.Flags().GetInt("overlap-words")

	if kind != repository.IndexKindSQLite && kind != repository.IndexKindQdrant {
		return fmt.Errorf("unknown index kind %q", kind)
	}
	if dir == "" {
		dir = cfg.IndexDir
	}
	if title != "" && len(args) > 1 {
		return fmt.Errorf("--title applies to a single file")
	}

	ctx := cmd.Context()
	opts := []ingestion.Option{
		ingestion.WithChunker(ingestion.ChunkerConfig{TargetWords: targetWords, OverlapWords: overlapWords}),
		ingestion.WithLogger(logger),
	}

	if !noRegister {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		opts = append(opts, ingestion.WithDocuments(postgres.NewDocumentRepo(db)))
	}

	if kind == repository.IndexKindQdrant {
		store, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL)
		if err != nil {
			return fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		defer store.Close()

		emb := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaEmbeddingModel,
		})
		opts = append(opts, ingestion.WithVectorStore(store, emb))
	}

	indexer := ingestion.NewIndexer(opts...)

	var out []indexedDocument
	for _, path := range args {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		src := ingestion.Source{
			Title:    title,
			Source:   filepath.Base(path),
			Content:  string(content),
			Metadata: map[string]string{"file": path},
		}

		var doc *repository.Document
		if kind == repository.IndexKindQdrant {
			doc, err = indexer.IndexQdrant(ctx, src, collection)
		} else {
			doc, err = indexer.IndexSQLite(ctx, src, dir)
		}
		if err != nil {
			return fmt.Errorf("index %s: %w", path, err)
		}

		out = append(out, indexedDocument{
			ID:         doc.ID.String(),
			Title:      doc.Title,
			Kind:       doc.IndexKind,
			Path:       doc.IndexPath,
			Collection: doc.Collection,
			Chunks:     doc.ChunkCount,
			Registered: !noRegister,
		})
	}

	return printJSON(cmd.OutOrStdout(), out)
}
