// Command memoryctl performs maintenance operations against a memoryd
// data directory directly: embedding repair, dead-letter inspection, and
// bulk deletion. It opens LocalStore (and CloudStore, where configured)
// itself rather than talking to a running memoryd over the network,
// since these are offline/maintenance operations, not request traffic.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/memoryd/engine/internal/cloudstore"
	"github.com/memoryd/engine/internal/config"
	"github.com/memoryd/engine/internal/embedding"
	"github.com/memoryd/engine/internal/localstore"
	"github.com/memoryd/engine/internal/secrets"
	"github.com/memoryd/engine/internal/storage"
	"github.com/memoryd/engine/internal/syncengine"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "memoryctl",
	Short:   "Maintenance CLI for a memoryd data directory",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to ~/.config/memoryd/config.yaml)")
	rootCmd.AddCommand(repairEmbeddingsCmd)
	rootCmd.AddCommand(deadLetterCmd)
	rootCmd.AddCommand(driftScanCmd)
	rootCmd.AddCommand(deleteCmd)
}

func loadLocal(ctx context.Context) (*config.Config, *localstore.Store, embedding.Embedder, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	emb, err := embedding.NewFastEmbedProvider(embedding.FastEmbedConfig{
		Model:    cfg.Embeddings.Model,
		CacheDir: cfg.Embeddings.CacheDir,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading embedder: %w", err)
	}

	local, err := localstore.Open(ctx, localstore.Config{
		Path:               cfg.LocalStore.Path,
		Pragmas:            cfg.LocalStore.Pragmas,
		EmbeddingDim:       cfg.LocalStore.EmbeddingDim,
		EmbeddingCacheSize: cfg.LocalStore.EmbeddingCacheSize,
	}, emb, zap.NewNop())
	if err != nil {
		emb.Close()
		return nil, nil, nil, fmt.Errorf("opening local store: %w", err)
	}

	return cfg, local, emb, nil
}

var repairEmbeddingsCmd = &cobra.Command{
	Use:   "repair-embeddings",
	Short: "Recompute zero-norm or missing embeddings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, local, emb, err := loadLocal(ctx)
		if err != nil {
			return err
		}
		defer local.Close()
		defer emb.Close()

		repaired, err := local.RepairEmbeddings(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("repaired %d embeddings\n", repaired)
		return nil
	},
}

var deadLetterCmd = &cobra.Command{
	Use:   "dead-letter",
	Short: "List operations that exhausted retries and could not sync to the cloud",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithFile(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		scrubber, err := secrets.New(secrets.DefaultConfig())
		if err != nil {
			return err
		}
		dead, err := syncengine.NewDeadLetterLog(cfg.Hybrid.DeadLetterPath, scrubber, zap.NewNop())
		if err != nil {
			return err
		}

		entries := dead.Entries()
		if len(entries) == 0 {
			fmt.Println("no dead-lettered operations")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOP\tHASH\tATTEMPTS\tRECORDED\tLAST ERROR")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				e.ID, e.Op.Type, e.Op.Hash, e.Attempts, e.RecordedAt.Format(time.RFC3339), e.LastError)
		}
		return w.Flush()
	},
}

var driftScanCmd = &cobra.Command{
	Use:   "drift-scan",
	Short: "Force an immediate drift reconciliation pass against the cloud",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, local, emb, err := loadLocal(ctx)
		if err != nil {
			return err
		}
		defer local.Close()
		defer emb.Close()

		if cfg.Hybrid.Backend == config.BackendLocal {
			return fmt.Errorf("drift-scan requires a cloud-enabled backend")
		}

		cloud, err := cloudstore.New(cloudstore.Config{
			BaseURL:           cfg.CloudStore.BaseURL,
			BearerToken:       cfg.CloudStore.BearerToken,
			RequestTimeout:    cfg.CloudStore.RequestTimeout,
			MaxContentChars:   cfg.CloudStore.MaxContentChars,
			MaxMetadataBytes:  cfg.CloudStore.MaxMetadataBytes,
			RequestsPerSecond: cfg.CloudStore.RequestsPerSecond,
		}, zap.NewNop())
		if err != nil {
			return err
		}

		scrubber, err := secrets.New(secrets.DefaultConfig())
		if err != nil {
			return err
		}
		dead, err := syncengine.NewDeadLetterLog(cfg.Hybrid.DeadLetterPath, scrubber, zap.NewNop())
		if err != nil {
			return err
		}

		engine := syncengine.New(syncengine.Config{
			QueueCapacity:      cfg.Hybrid.QueueSize,
			BatchSize:          cfg.Hybrid.BatchSize,
			MaxAttempts:        cfg.Hybrid.MaxAttempts,
			DriftCheckInterval: cfg.Hybrid.DriftCheckInterval,
			DriftBatchSize:     cfg.Hybrid.DriftBatchSize,
		}, local, cloud, dead, zap.NewNop())

		if err := engine.StartupSync(ctx); err != nil {
			return fmt.Errorf("drift scan failed: %w", err)
		}
		fmt.Println("drift scan complete")
		return nil
	},
}

var (
	deleteContentHash string
	deleteTags        []string
	deleteDryRun      bool
)

// deleteCmd performs a bulk delete in the cloud-first order required for
// maintenance tools: the cloud copy is removed before the local copy, so
// a drift scan running concurrently with this command cannot resurrect a
// memory this command is in the middle of deleting. HybridStore's normal
// write path is local-first for latency; that ordering is wrong for bulk
// maintenance deletes and is deliberately not reused here.
var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Bulk-delete memories matching a filter (cloud first, then local)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if deleteContentHash == "" && len(deleteTags) == 0 {
			return fmt.Errorf("at least one of --hash or --tag is required")
		}

		ctx := cmd.Context()
		cfg, local, emb, err := loadLocal(ctx)
		if err != nil {
			return err
		}
		defer local.Close()
		defer emb.Close()

		filter := storage.DeleteFilter{
			ContentHash: deleteContentHash,
			Tags:        deleteTags,
			TagMatch:    storage.TagMatchOr,
			DryRun:      deleteDryRun,
		}

		if cfg.Hybrid.Backend != config.BackendLocal {
			cloud, err := cloudstore.New(cloudstore.Config{
				BaseURL:           cfg.CloudStore.BaseURL,
				BearerToken:       cfg.CloudStore.BearerToken,
				RequestTimeout:    cfg.CloudStore.RequestTimeout,
				MaxContentChars:   cfg.CloudStore.MaxContentChars,
				MaxMetadataBytes:  cfg.CloudStore.MaxMetadataBytes,
				RequestsPerSecond: cfg.CloudStore.RequestsPerSecond,
			}, zap.NewNop())
			if err != nil {
				return err
			}

			hashes, err := resolveDeleteHashes(ctx, local, deleteContentHash, deleteTags)
			if err != nil {
				return fmt.Errorf("resolving tag filter: %w", err)
			}
			if len(hashes) > 0 && !deleteDryRun {
				results, err := cloud.DeleteBatch(ctx, hashes)
				if err != nil {
					return fmt.Errorf("cloud delete: %w", err)
				}
				deleted := 0
				for _, r := range results {
					if r.Err != nil {
						fmt.Printf("cloud delete failed for %s: %v\n", r.ContentHash, r.Err)
						continue
					}
					deleted++
				}
				fmt.Printf("deleted %d memories from cloud\n", deleted)
			} else if deleteDryRun {
				fmt.Printf("%d memories would be deleted from cloud\n", len(hashes))
			}
		}

		localHashes, err := local.Delete(ctx, filter)
		if err != nil {
			return fmt.Errorf("local delete: %w", err)
		}
		if deleteDryRun {
			fmt.Printf("%d memories would be deleted\n", len(localHashes))
		} else {
			fmt.Printf("deleted %d memories locally\n", len(localHashes))
		}
		return nil
	},
}

// resolveDeleteHashes returns the content hashes a delete targets.
// cloudstore.Delete only accepts a single content hash filter, so a
// tag-based delete has to resolve concrete hashes against LocalStore
// first, then drive the cloud deletion by hash batch.
func resolveDeleteHashes(ctx context.Context, local *localstore.Store, contentHash string, tags []string) ([]string, error) {
	if contentHash != "" {
		return []string{contentHash}, nil
	}
	return local.Delete(ctx, storage.DeleteFilter{Tags: tags, TagMatch: storage.TagMatchOr, DryRun: true})
}

func init() {
	deleteCmd.Flags().StringVar(&deleteContentHash, "hash", "", "delete a single memory by content hash")
	deleteCmd.Flags().StringSliceVar(&deleteTags, "tag", nil, "delete memories matching any of these tags")
	deleteCmd.Flags().BoolVar(&deleteDryRun, "dry-run", false, "report what would be deleted without deleting")
}
