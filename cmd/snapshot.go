package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbdotrun/kml/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Unconditionally rebuild the shared base snapshot",
	Run: func(cmd *cobra.Command, args []string) {
		m, err := loadManifest()
		if err != nil {
			fatalf("%v", err)
		}
		mgr := &snapshot.Manager{Provider: buildProvider(), BuildFile: m.buildFileContent()}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		if err := mgr.Create(ctx, m.ServiceName); err != nil {
			progress("snapshot "+m.ServiceName, "warning")
			fatalf("snapshot: %v", err)
		}
		progress("snapshot "+m.ServiceName, "done")
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "snapshot_delete",
	Short: "Delete the shared base snapshot, if present",
	Run: func(cmd *cobra.Command, args []string) {
		m, err := loadManifest()
		if err != nil {
			fatalf("%v", err)
		}
		mgr := &snapshot.Manager{Provider: buildProvider()}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := mgr.Delete(ctx, m.ServiceName); err != nil {
			progress("snapshot_delete "+m.ServiceName, "warning")
			fatalf("snapshot_delete: %v", err)
		}
		progress("snapshot_delete "+m.ServiceName, "done")
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(snapshotDeleteCmd)
}
