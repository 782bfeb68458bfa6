package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/rbdotrun/kml/internal/catalog"
	"github.com/rbdotrun/kml/internal/edge"
	"github.com/rbdotrun/kml/internal/edge/httpedge"
	"github.com/rbdotrun/kml/internal/provider"
	"github.com/rbdotrun/kml/internal/provider/dockerprovider"
	"github.com/rbdotrun/kml/internal/provider/httpprovider"
)

// catalogPath is the fixed relative path spec.md §6 names for the session
// catalog file.
const catalogPath = ".kml/sessions.json"

func openCatalog() *catalog.Catalog {
	return catalog.New(catalogPath)
}

// buildProvider wires the production C1 backend from DAYTONA_API_KEY, the
// one environment variable spec.md §6 names for the sandbox provider. With
// no DAYTONA_API_KEY set, it falls back to the local Docker-backed provider
// so a single-machine deployment never needs a Daytona-class account at all.
func buildProvider() provider.Provider {
	apiKey := os.Getenv("DAYTONA_API_KEY")
	if apiKey == "" {
		p, err := dockerprovider.New()
		if err != nil {
			log.Fatalf("DAYTONA_API_KEY is unset and the local docker provider is unavailable: %v", err)
		}
		return p
	}
	baseURL := os.Getenv("DAYTONA_API_URL")
	if baseURL == "" {
		baseURL = "https://app.daytona.io/api"
	}
	return httpprovider.New(baseURL, apiKey)
}

// buildEdge wires the production C2 backend from three of the Cloudflare-class
// environment variables spec.md §6 names (API token, account id, zone id).
// With any of the three unset, buildEdge returns nil and the edge steps are
// skipped. CLOUDFLARE_DOMAIN is read separately by domain(), which destroy
// and every session command that builds an orchestrator call, and which
// exits when it is unset.
func buildEdge() edge.Edge {
	token := os.Getenv("CLOUDFLARE_API_TOKEN")
	account := os.Getenv("CLOUDFLARE_ACCOUNT_ID")
	zone := os.Getenv("CLOUDFLARE_ZONE_ID")
	if token == "" || account == "" || zone == "" {
		return nil
	}
	baseURL := os.Getenv("CLOUDFLARE_API_URL")
	if baseURL == "" {
		baseURL = "https://api.cloudflare.com/client/v4"
	}
	return httpedge.New(baseURL, token, account, zone)
}

func domain() string {
	d := os.Getenv("CLOUDFLARE_DOMAIN")
	if d == "" {
		log.Fatal("CLOUDFLARE_DOMAIN is required")
	}
	return d
}

// aiEnv collects the two Anthropic-facing environment variables spec.md §6
// names into the map internal/orchestrator.Config.Env expects.
func aiEnv() map[string]string {
	env := map[string]string{}
	if tok := os.Getenv("ANTHROPIC_AUTH_TOKEN"); tok != "" {
		env["ANTHROPIC_AUTH_TOKEN"] = tok
	}
	if base := os.Getenv("ANTHROPIC_BASE_URL"); base != "" {
		env["ANTHROPIC_BASE_URL"] = base
	}
	return env
}

// progress prints one spec.md §7 "single line with a trailing marker"
// progress message: "<label> ... done|warning|skipped".
func progress(label, marker string) {
	fmt.Printf("%s ... %s\n", label, marker)
}

func fatalf(format string, args ...any) {
	log.Printf(format, args...)
	os.Exit(1)
}
