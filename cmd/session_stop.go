package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var sessionStopCmd = &cobra.Command{
	Use:   "stop <slug>",
	Short: "Stop a session's sandbox",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		slug := args[0]
		m, err := loadManifest()
		if err != nil {
			fatalf("%v", err)
		}
		cat := openCatalog()
		rec := requireSession(cat, slug)
		orch := orchestratorFor(cat, m, rec)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := orch.Stop(ctx); err != nil {
			progress("session stop "+slug, "warning")
			fatalf("session stop %s: %v", slug, err)
		}
		progress("session stop "+slug, "done")
	},
}

func init() {
	sessionCmd.AddCommand(sessionStopCmd)
}
