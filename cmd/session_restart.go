package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sessionRestartCmd = &cobra.Command{
	Use:   "restart <slug> <process>",
	Short: "Restart one overmind-managed process inside a session",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		slug, process := args[0], args[1]
		m, err := loadManifest()
		if err != nil {
			fatalf("%v", err)
		}
		cat := openCatalog()
		rec := requireSession(cat, slug)
		orch := orchestratorFor(cat, m, rec)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		output, err := orch.RestartProcess(ctx, process)
		if err != nil {
			fmt.Print(output)
			progress("session restart "+slug+" "+process, "warning")
			fatalf("session restart %s %s: %v", slug, process, err)
		}
		progress("session restart "+slug+" "+process, "done")
	},
}

func init() {
	sessionCmd.AddCommand(sessionRestartCmd)
}
