package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/belyaeva84-debug/openclaw/pkg/memory"
	"github.com/spf13/cobra"
)

var (
	searchMaxResults int
	searchMinScore   float64
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the memory index",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchMaxResults, "max-results", 10, "maximum results to return")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "minimum combined score")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	mgr, _, err := loadManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	query := strings.Join(args, " ")
	results, err := mgr.Search(context.Background(), query, &memory.SearchOptions{
		MaxResults: searchMaxResults,
		MinScore:   searchMinScore,
	})
	if err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Println("No results")
		return nil
	}

	for i, r := range results {
		fmt.Printf("%d. %s:%d-%d (%.3f)\n", i+1, r.Path, r.StartLine, r.EndLine, r.Score)
		snippet := r.Text
		if len(snippet) > 200 {
			snippet = snippet[:200] + "…"
		}
		fmt.Printf("   %s\n", strings.ReplaceAll(snippet, "\n", " "))
	}
	return nil
}
