package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/ccos/core/pkg/marketplace"
)

// runExportCmd implements `ccos export`.
//
// Capabilities whose provider cannot be serialized are skipped and listed
// as diagnostics; they do not fail the export.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		manifests  string
		dir        string
		format     string
		jsonOutput bool
	)
	cmd.StringVar(&manifests, "manifests", "", "Directory of capability manifests to register first")
	cmd.StringVar(&dir, "dir", "", "Output directory (REQUIRED, '-' writes JSON to stdout)")
	cmd.StringVar(&format, "format", "yaml", "File format: yaml, toml or json")
	cmd.BoolVar(&jsonOutput, "json", false, "Report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --dir is required")
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

	var diags []marketplace.ExportDiagnostic
	if dir == "-" {
		diags, err = svc.Market.ExportJSON(stdout)
	} else {
		diags, err = svc.Market.ExportToDir(dir, format)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		return 1
	}

	exported := len(svc.Market.ListCapabilities()) - len(diags)
	if dir == "-" {
		for _, d := range diags {
			_, _ = fmt.Fprintf(stderr, "skipped %s (%s): %s\n", d.CapabilityID, d.ProviderType, d.Reason)
		}
		return 0
	}
	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"dir":         dir,
			"format":      format,
			"exported":    exported,
			"diagnostics": diags,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "%s✅ Exported %d capabilities to %s%s\n", ColorGreen, exported, dir, ColorReset)
	for _, d := range diags {
		_, _ = fmt.Fprintf(stdout, "  %s⚠️  skipped %s (%s): %s%s\n", ColorYellow, d.CapabilityID, d.ProviderType, d.Reason, ColorReset)
	}
	return 0
}
