package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show memory index status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	mgr, _, err := loadManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	status := mgr.Status()
	fmt.Printf("Files:    %d\n", status.TotalFiles)
	fmt.Printf("Chunks:   %d\n", status.TotalChunks)
	fmt.Printf("Dirty:    %v\n", status.IsDirty)
	fmt.Printf("Syncing:  %v\n", status.IsSyncing)
	fmt.Printf("FTS:      %v\n", status.FTSAvailable)
	fmt.Printf("Vector:   %v\n", status.VectorAvailable)
	fmt.Printf("Provider: %s (%s)\n", status.Embedding.Provider, status.Embedding.Model)
	if status.Embedding.FallbackDone {
		fmt.Println("Fallback: active")
	}
	if status.EmbeddingCacheHitRate != nil {
		fmt.Printf("Cache hit rate: %.1f%%\n", *status.EmbeddingCacheHitRate*100)
	}
	if status.LastSyncTime != nil {
		fmt.Printf("Last sync: %s\n", status.LastSyncTime.Format("2006-01-02 15:04:05"))
	}
	return nil
}
