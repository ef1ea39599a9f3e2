package cli

import (
	"fmt"

	"github.com/belyaeva84-debug/openclaw/pkg/memory"
	"github.com/spf13/cobra"
)

var syncForce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Index memory files and session transcripts",
	Long:  `Run one sync pass over the agent's memory files and session transcripts.`,
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false, "force a full reindex")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	mgr, _, err := loadManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	err = mgr.Sync(memory.SyncOptions{
		Force: syncForce,
		Progress: func(p memory.ProgressUpdate) {
			fmt.Printf("\r[%d/%d] %s", p.Completed, p.Total, p.Label)
		},
	})
	fmt.Println()
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	status := mgr.Status()
	fmt.Printf("Indexed %d files, %d chunks\n", status.TotalFiles, status.TotalChunks)
	return nil
}
