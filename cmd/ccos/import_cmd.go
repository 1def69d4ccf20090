package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/ccos/core/pkg/marketplace"
	"github.com/Mindburn-Labs/ccos/core/pkg/mcp"
)

// runImportCmd implements `ccos import`: it registers manifests into a fresh
// marketplace, which validates schemas, versions and attestations, and
// reports how many succeeded. The first failure stops the import.
func runImportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("import", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir        string
		file       string
		jsonOutput bool
	)
	cmd.StringVar(&dir, "dir", "", "Directory of yaml, toml or json manifests")
	cmd.StringVar(&file, "file", "", "JSON array of manifests, as written by 'export --dir -'")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (dir == "") == (file == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --dir or --file is required")
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

	var count int
	if dir != "" {
		count, err = svc.Market.ImportFromDir(ctx, dir)
	} else {
		count, err = importFile(ctx, svc.Market, file)
	}

	if jsonOutput {
		result := map[string]any{"imported": count}
		if err != nil {
			result["error"] = errorIR(err)
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if err != nil {
		_, _ = fmt.Fprintf(stdout, "%s❌ Imported %d capabilities before failing: %v%s\n", ColorRed, count, err, ColorReset)
	} else {
		_, _ = fmt.Fprintf(stdout, "%s✅ Imported %d capabilities%s\n", ColorGreen, count, ColorReset)
	}
	if err != nil {
		return 1
	}
	return 0
}

func importFile(ctx context.Context, mp *marketplace.Marketplace, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	return mp.ImportJSON(ctx, f)
}

// runDiscoverCmd implements `ccos discover`: it lists the tools of a remote
// MCP server, registers each as a capability and exports the resulting
// manifests so later runs can import them.
func runDiscoverCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("discover", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		serverURL string
		token     string
		prefix    string
		dir       string
		format    string
		timeoutMs int64
	)
	cmd.StringVar(&serverURL, "url", "", "MCP server URL (REQUIRED)")
	cmd.StringVar(&token, "token", "", "Bearer token for the server")
	cmd.StringVar(&prefix, "prefix", "mcp.", "Capability id prefix")
	cmd.StringVar(&dir, "dir", "", "Export discovered manifests to this directory")
	cmd.StringVar(&format, "format", "yaml", "Export format: yaml, toml or json")
	cmd.Int64Var(&timeoutMs, "timeout-ms", 30000, "Per-call timeout recorded on discovered capabilities")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if serverURL == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --url is required")
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

	server := marketplace.MCPProvider{ServerURL: serverURL, AuthToken: token, TimeoutMs: timeoutMs}
	ids, err := mcp.NewToolCatalog().Discover(ctx, svc.Pool, svc.Market, server, prefix)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, id := range ids {
		_, _ = fmt.Fprintf(stdout, "  %s+%s %s\n", ColorGreen, ColorReset, id)
	}
	if dir != "" {
		if _, err := svc.Market.ExportToDir(dir, format); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	_, _ = fmt.Fprintf(stdout, "%s✅ Discovered %d tools on %s%s\n", ColorGreen, len(ids), serverURL, ColorReset)
	return 0
}
