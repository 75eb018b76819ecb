package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pluriform/internal/logger"
)

var assignCmd = &cobra.Command{
	Use:   "assign [article-id...]",
	Short: "Assign enriched articles to events",
	Long: `Assign one or more articles to events by id. Each article is matched
against the candidate events from the vector index; it links to the best
candidate above the score threshold or seeds a new event.

Example:
  pluriform assign 2f9c1f3a-...
  pluriform assign run --limit 200`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runAssign(args); err != nil {
			logger.Error("Failed to assign articles", err)
			os.Exit(1)
		}
	},
}

var assignRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Assign all pending (unassigned) articles",
	Long: `Load embedded articles that are not yet linked to any event, oldest
first, and assign them sequentially.`,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		if err := runAssignPending(limit); err != nil {
			logger.Error("Failed to assign pending articles", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(assignCmd)
	assignCmd.AddCommand(assignRunCmd)
	assignRunCmd.Flags().Int("limit", 100, "Maximum number of pending articles to assign")
}

func runAssign(articleIDs []string) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	coordinator := eng.coordinator()
	ctx := context.Background()

	for _, id := range articleIDs {
		result, err := coordinator.Assign(ctx, id)
		if err != nil {
			return err
		}
		if result == nil {
			fmt.Printf("skipped   %s\n", id)
			continue
		}
		outcome := "linked"
		if result.Created {
			outcome = "seeded"
		}
		fmt.Printf("%-9s %s -> %s (score %.3f)\n", outcome, result.ArticleID, result.EventID, result.Score)
	}
	return nil
}

func runAssignPending(limit int) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	results, err := eng.coordinator().AssignPending(context.Background(), limit)
	if err != nil {
		return err
	}

	seeded := 0
	for _, r := range results {
		if r.Created {
			seeded++
		}
	}
	fmt.Printf("assigned %d articles (%d linked, %d seeded)\n", len(results), len(results)-seeded, seeded)
	return nil
}
