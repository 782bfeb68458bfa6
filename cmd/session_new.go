package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"
)

var noOpen bool

var sessionNewCmd = &cobra.Command{
	Use:   "new <slug>",
	Short: "Create a session record and start its sandbox",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		slug := args[0]
		m, err := loadManifest()
		if err != nil {
			fatalf("%v", err)
		}
		cat := openCatalog()

		rec, err := cat.Create(slug)
		if err != nil {
			fatalf("session new %s: %v", slug, err)
		}

		orch := orchestratorFor(cat, m, rec)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Minute)
		defer cancel()
		if err := orch.Start(ctx, sessionEvents(cat, slug)); err != nil {
			progress("session new "+slug, "warning")
			fatalf("session new %s: %v", slug, err)
		}
		progress("session new "+slug, "done")

		url := fmt.Sprintf("https://%s.%s?token=%s", slug, domain(), rec.AccessToken)
		fmt.Println(url)
		qrterminal.GenerateHalfBlock(url, qrterminal.L, os.Stdout)

		if !noOpen {
			if err := browser.OpenURL(url); err != nil {
				fmt.Printf("open browser: %v\n", err)
			}
		}
	},
}

func init() {
	sessionNewCmd.Flags().BoolVar(&noOpen, "no-open", false, "Don't open the session URL in a browser")
	sessionCmd.AddCommand(sessionNewCmd)
}
