package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/knoguchi/rerank/internal/config"
)

var (
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rerankctl",
	Short: "Operator CLI for the rerank service",
	Long: `rerankctl manages the rerank service's model artifacts and document indexes,
and talks to a running scoring service.

Configuration comes from the same environment variables (and .env file) as rerankd.

Example usage:
  rerankctl warm                          # Build model artifacts into MODEL_CACHE_DIR
  rerankctl index --kind sqlite doc.txt   # Index a document for search
  rerankctl score -q "refunds" a.txt b.txt
  rerankctl health                        # Check the remote scoring service
  rerankctl token --subject ops           # Mint an admin JWT`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// initConfig sets up logging and loads configuration from the environment.
func initConfig() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger.Debug("configuration loaded",
		"model_cache_dir", cfg.ModelCacheDir,
		"index_dir", cfg.IndexDir,
		"remote_url", cfg.RemoteURL,
	)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
