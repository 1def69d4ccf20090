package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/ccos/core/pkg/artifacts"
	"github.com/Mindburn-Labs/ccos/core/pkg/marketplace"
)

// runPublishCmd implements `ccos publish`: it stores a WASM module in the
// artifact registry, signed when a seed is configured, and optionally
// writes a plugin capability manifest that references it.
func runPublishCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("publish", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		modulePath  string
		name        string
		moduleVer   string
		capID       string
		description string
		dir         string
		format      string
		jsonOutput  bool
	)
	cmd.StringVar(&modulePath, "module", "", "Path to the .wasm module (REQUIRED)")
	cmd.StringVar(&name, "name", "", "Module name (REQUIRED)")
	cmd.StringVar(&moduleVer, "version", "1.0.0", "Module version")
	cmd.StringVar(&capID, "id", "", "Register a plugin capability with this id")
	cmd.StringVar(&description, "description", "", "Capability description")
	cmd.StringVar(&dir, "dir", "", "Export the capability manifest to this directory (needs --id)")
	cmd.StringVar(&format, "format", "yaml", "Manifest format: yaml, toml or json")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if modulePath == "" || name == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --module and --name are required")
		return 2
	}
	if dir != "" && capID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --dir needs --id")
		return 2
	}
	module, err := os.ReadFile(modulePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ctx := context.Background()
	svc, err := newServices(ctx, cfg, serviceOptions{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.Close(ctx)

	var signer artifacts.Signer
	if svc.ModuleKeys != nil {
		signer = svc.ModuleKeys
	}
	digest, err := svc.Modules.PutModule(ctx, name, moduleVer, module, signer)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if capID != "" {
		err := svc.Market.RegisterCapabilityManifest(ctx, marketplace.Manifest{
			ID:          capID,
			Name:        name,
			Description: description,
			Version:     moduleVer,
			Provider:    marketplace.PluginProvider{Module: digest},
			Categories:  []string{"plugin"},
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if dir != "" {
			if _, err := svc.Market.ExportToDir(dir, format); err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"module":     name,
			"version":    moduleVer,
			"digest":     digest,
			"signed":     signer != nil,
			"capability": capID,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "%s✅ Published %s@%s%s\n", ColorGreen, name, moduleVer, ColorReset)
	_, _ = fmt.Fprintf(stdout, "  Digest: %s\n", digest)
	if signer == nil {
		_, _ = fmt.Fprintf(stdout, "  %sUnsigned (CCOS_SIGNING_SEED not set)%s\n", ColorYellow, ColorReset)
	}
	if capID != "" {
		_, _ = fmt.Fprintf(stdout, "  Capability: %s\n", capID)
	}
	return 0
}
