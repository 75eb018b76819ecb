package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pluriform/internal/logger"
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run one maintenance pass over the event graph",
	Long: `Recompute every active event's centroid exactly from its member
articles, archive events outside the retention window and reconcile the
vector index, repairing drift if detected.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runMaintain(); err != nil {
			logger.Error("Maintenance run failed", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(maintainCmd)
}

func runMaintain() error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	stats, err := eng.maintenance().Run(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("processed:  %d\n", stats.EventsProcessed)
	fmt.Printf("recomputed: %d\n", stats.EventsRecomputed)
	fmt.Printf("archived:   %d\n", stats.EventsArchived)
	fmt.Printf("upserts:    %d\n", stats.VectorUpserts)
	fmt.Printf("removals:   %d\n", stats.VectorRemovals)
	fmt.Printf("rebuilt:    %t\n", stats.IndexRebuilt)
	return nil
}
