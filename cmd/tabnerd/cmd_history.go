package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"tabnerd/internal/history"
)

var historyLimit int

// historyCmd lists archived loop runs
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show archived loop runs",
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := history.NewStore(cfg.History.DatabasePath)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	runs, err := store.GetRecentRuns(historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No archived runs yet. Finish a 'tabnerd loop' to create one.")
		return nil
	}

	fmt.Printf("%-24s %-16s %5s %7s  %-20s %s\n", "RUN", "STATUS", "ITER", "ERRORS", "FINISHED", "TASK")
	for _, r := range runs {
		fmt.Printf("%-24s %-16s %5d %7d  %-20s %s\n",
			r.RunID, r.Status, r.Iterations, r.Errors,
			r.FinishedAt.Format("2006-01-02 15:04:05"), r.TaskPath)
	}

	counts, err := store.CountByStatus()
	if err != nil {
		return err
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	fmt.Println()
	for _, s := range statuses {
		fmt.Printf("  %s: %d", s, counts[s])
	}
	fmt.Println()
	return nil
}
