package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbdotrun/kml/internal/provider/dockerprovider"
)

var psLocal bool

var sessionPsCmd = &cobra.Command{
	Use:   "ps <slug>",
	Short: "List the overmind-managed processes running inside a session",
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

		if psLocal {
			dp, ok := orch.Provider().(*dockerprovider.Provider)
			if !ok {
				fatalf("session ps --local requires the local docker provider (unset DAYTONA_API_KEY)")
			}
			stats, err := dp.HostProcessStats()
			if err != nil {
				fatalf("session ps --local %s: %v", slug, err)
			}
			for _, s := range stats {
				fmt.Printf("pid=%d\tcpu=%.1f%%\trss=%d\n", s.PID, s.CPUPercent, s.RSSBytes)
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		statuses, err := orch.ProcessStatuses(ctx)
		if err != nil {
			fatalf("session ps %s: %v", slug, err)
		}
		for _, s := range statuses {
			fmt.Printf("%s\t%s\n", s.Name, s.State)
		}
	},
}

func init() {
	sessionPsCmd.Flags().BoolVar(&psLocal, "local", false, "Show host-side resource stats for the local docker provider's helper processes instead of in-sandbox status")
	sessionCmd.AddCommand(sessionPsCmd)
}
