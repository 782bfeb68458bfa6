package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rbdotrun/kml/internal/catalog"
)

var sessionListCmd = &cobra.Command{
	Use:   "list [<slug>]",
	Short: "List sessions, or show one session's detail",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cat := openCatalog()

		if len(args) == 1 {
			printSession(requireSession(cat, args[0]))
			return
		}

		all := cat.All()
		slugs := make([]string, 0, len(all))
		for slug := range all {
			slugs = append(slugs, slug)
		}
		sort.Strings(slugs)
		for _, slug := range slugs {
			printSession(all[slug])
		}
	},
}

func printSession(rec *catalog.Record) {
	fmt.Printf("%s\tsandbox=%s\ttunnel=%s\tcreated=%s\tconversations=%d\n",
		rec.Slug, sandboxIDOrNone(rec.SandboxID), sandboxIDOrNone(rec.TunnelID),
		rec.CreatedAt.Format("2006-01-02T15:04:05Z"), len(rec.Conversations))
}

func sandboxIDOrNone(id *string) string {
	if id == nil {
		return "<none>"
	}
	return *id
}

func init() {
	sessionCmd.AddCommand(sessionListCmd)
}
