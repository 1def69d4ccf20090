package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/ccos/core/pkg/marketplace"
)

type capabilityRow struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Provider    string   `json:"provider"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Effects     []string `json:"effects,omitempty"`
}

// runCapabilitiesCmd implements `ccos capabilities`.
func runCapabilitiesCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("capabilities", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		manifests  string
		pattern    string
		provider   string
		domain     string
		category   string
		jsonOutput bool
	)
	cmd.StringVar(&manifests, "manifests", "", "Directory of capability manifests to register")
	cmd.StringVar(&pattern, "id", "", "Glob over capability ids (e.g. 'ccos.*')")
	cmd.StringVar(&provider, "provider", "", "Only capabilities served by this provider type")
	cmd.StringVar(&domain, "domain", "", "Only capabilities in this domain")
	cmd.StringVar(&category, "category", "", "Only capabilities in this category")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ctx := context.Background()
	svc, err := newServices(ctx, cfg, serviceOptions{manifests: manifests})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.Close(ctx)

	found := svc.Market.QueryCapabilities(marketplace.Query{
		IDPattern:    pattern,
		ProviderType: marketplace.ProviderType(provider),
		Domain:       domain,
		Category:     category,
	})
	rows := make([]capabilityRow, 0, len(found))
	for _, m := range found {
		rows = append(rows, capabilityRow{
			ID:          m.ID,
			Name:        m.Name,
			Version:     m.Version,
			Provider:    string(m.Provider.Type()),
			Description: m.Description,
			Permissions: m.Permissions,
			Effects:     m.Effects,
		})
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(rows, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "%sCapabilities (%d)%s\n", ColorBold, len(rows), ColorReset)
	for _, r := range rows {
		_, _ = fmt.Fprintf(stdout, "  %s%-28s%s %-10s %-8s %s%s%s\n",
			ColorGreen, r.ID, ColorReset, r.Provider, r.Version, ColorGray, r.Description, ColorReset)
	}
	return 0
}
