package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/knoguchi/rerank/internal/artifact"
	"github.com/knoguchi/rerank/internal/config"
	"github.com/knoguchi/rerank/internal/model"
	"github.com/knoguchi/rerank/internal/scorer"
)

var warmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Build model artifacts into the cache directory",
	Long: `Export and load the in-process scoring models so rerankd starts with a warm
artifact cache. Run it during image build or deploy against the same
MODEL_CACHE_DIR the service uses.

Examples:
  rerankctl warm                     # Local and accelerated tiers
  rerankctl warm --tier accelerated  # Only the ONNX artifact
  rerankctl warm --force             # Rebuild even if an artifact exists`,
	RunE: runWarm,
}

func init() {
	rootCmd.AddCommand(warmCmd)

	warmCmd.Flags().StringSlice("tier", []string{config.TierLocal, config.TierAccelerated}, "tiers to warm")
	warmCmd.Flags().Bool("force", false, "delete cached artifacts before building")
	warmCmd.Flags().Duration("timeout", 30*time.Minute, "overall timeout")
}

func runWarm(cmd *cobra.Command, args []string) error {
	tiers, _ := cmd.Flags().GetStringSlice("tier")
	force, _ := cmd.Flags().GetBool("force")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var (
		registries []*artifact.Registry
		backends   []*scorer.ModelBackend
	)
	for _, tier := range tiers {
		var (
			dir       string
			modelName string
			builder   artifact.Builder
		)
		switch tier {
		case config.TierLocal:
			dir, modelName, builder = cfg.LexicalCacheDir(), cfg.RerankerModel, model.LexicalBuilder{}
		case config.TierAccelerated:
			dir, modelName, builder = cfg.ONNXCacheDir(), cfg.ONNXModel, model.EmbeddingBuilder{}
		default:
			return fmt.Errorf("tier %q has no model artifact", tier)
		}

		registry, err := artifact.NewRegistry(dir, builder, artifact.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("create %s registry: %w", tier, err)
		}
		defer registry.Close()

		if force {
			path := registry.Path(modelName)
			logger.Info("removing cached artifact", "tier", tier, "path", path)
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("remove %s: %w", path, err)
			}
		}

		registries = append(registries, registry)
		backends = append(backends, scorer.NewModelBackend(tier, modelName, registry))
	}

	var errs []error
	for _, b := range backends {
		start := time.Now()
		if err := b.Warm(ctx); err != nil {
			logger.Error("warm failed", "tier", b.Name(), "model", b.ModelName(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		logger.Info("warmed", "tier", b.Name(), "model", b.ModelName(), "duration", time.Since(start))
	}

	var statuses []artifact.Status
	for _, r := range registries {
		statuses = append(statuses, r.Status()...)
	}
	if err := printJSON(cmd.OutOrStdout(), statuses); err != nil {
		return err
	}
	return errors.Join(errs...)
}
