package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <slug>",
	Short: "Tear down a session's sandbox, tunnel, and worker, then forget it",
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

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := orch.Delete(ctx); err != nil {
			progress("session delete "+slug, "warning")
		} else {
			progress("session delete "+slug, "done")
		}

		if err := cat.Delete(slug); err != nil {
			fatalf("session delete %s: %v", slug, err)
		}
	},
}

func init() {
	sessionCmd.AddCommand(sessionDeleteCmd)
}
