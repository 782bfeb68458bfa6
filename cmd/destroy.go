package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rbdotrun/kml/internal/snapshot"
)

var destroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Tear down every session in the catalog, leaving the base snapshot intact",
	Run: func(cmd *cobra.Command, args []string) {
		m, err := loadManifest()
		if err != nil {
			fatalf("%v", err)
		}
		cat := openCatalog()
		p := buildProvider()
		e := buildEdge()
		dom := domain()

		var targets []snapshot.DestroyTarget
		for slug, rec := range cat.All() {
			targets = append(targets, snapshot.DestroyTarget{
				Slug:       slug,
				SandboxID:  rec.SandboxID,
				TunnelID:   rec.TunnelID,
				WorkerName: fmt.Sprintf("kml-%s-%s", m.ServiceName, slug),
				Hostname:   slug + "." + dom,
			})
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		err = snapshot.Destroy(ctx, p, e, targets, func(slug string) {
			if err := cat.Delete(slug); err != nil {
				fmt.Printf("destroy: remove %s from catalog: %v\n", slug, err)
			}
		})
		if err != nil {
			progress("destroy", "warning")
			fatalf("destroy: %v", err)
		}
		progress("destroy", "done")
	},
}

func init() {
	rootCmd.AddCommand(destroyCmd)
}
