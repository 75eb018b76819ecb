package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pluriform/internal/config"
	"pluriform/internal/logger"
	"pluriform/internal/vectorindex"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Inspect and rebuild the vector index",
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the persisted index metadata",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runIndexStats(); err != nil {
			logger.Error("Failed to read index metadata", err)
			os.Exit(1)
		}
	},
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the vector index from the active event centroids",
	Long: `Discard the persisted index and rebuild it from every non-archived
event with a centroid. Use this after a dimension change or suspected
corruption.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runIndexRebuild(); err != nil {
			logger.Error("Failed to rebuild index", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexStatsCmd)
	indexCmd.AddCommand(indexRebuildCmd)
}

func runIndexStats() error {
	cfg := config.Get()

	raw, err := os.ReadFile(cfg.VectorIndex.MetadataPath)
	if os.IsNotExist(err) {
		fmt.Println("no persisted index found")
		return nil
	}
	if err != nil {
		return err
	}

	var meta vectorindex.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("corrupt index metadata: %w", err)
	}

	fmt.Printf("dimension:       %d\n", meta.Dimension)
	fmt.Printf("max elements:    %d\n", meta.MaxElements)
	fmt.Printf("M:               %d\n", meta.M)
	fmt.Printf("ef_construction: %d\n", meta.EfConstruction)
	fmt.Printf("ef_search:       %d\n", meta.EfSearch)
	fmt.Printf("labels:          %d\n", meta.LabelCount)
	fmt.Printf("saved at:        %s\n", meta.SavedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func runIndexRebuild() error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.index.Rebuild(context.Background(), eng.store); err != nil {
		return err
	}
	fmt.Println("vector index rebuilt")
	return nil
}
