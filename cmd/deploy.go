package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbdotrun/kml/internal/snapshot"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Build the shared base snapshot for this service if it doesn't exist",
	Run: func(cmd *cobra.Command, args []string) {
		m, err := loadManifest()
		if err != nil {
			fatalf("%v", err)
		}
		mgr := &snapshot.Manager{Provider: buildProvider(), BuildFile: m.buildFileContent()}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		if err := mgr.Deploy(ctx, m.ServiceName); err != nil {
			progress("deploy "+m.ServiceName, "warning")
			fatalf("deploy: %v", err)
		}
		progress("deploy "+m.ServiceName, "done")
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)
}
