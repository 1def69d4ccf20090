package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/ccos/core/pkg/audit"
	"github.com/Mindburn-Labs/ccos/core/pkg/causalchain"
	"github.com/Mindburn-Labs/ccos/core/pkg/store/ledger"
)

type verifyResult struct {
	Verified   bool   `json:"verified"`
	Actions    int    `json:"actions"`
	Head       string `json:"chain_head,omitempty"`
	Signatures bool   `json:"signatures_checked"`
	Error      string `json:"error,omitempty"`
	Pack       string `json:"pack,omitempty"`
	PackSHA256 string `json:"pack_sha256,omitempty"`
}

// runVerifyCmd implements `ccos verify`.
//
// Exit codes:
//
//	0 = chain verified
//	1 = verification failed
//	2 = usage or runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		planID     string
		packPath   string
		since      string
		until      string
		jsonOutput bool
	)
	cmd.StringVar(&planID, "plan", "", "Plan to export an evidence pack for")
	cmd.StringVar(&packPath, "pack", "", "Write the plan's evidence pack (zip) to this path")
	cmd.StringVar(&since, "since", "", "Pack start time (RFC3339)")
	cmd.StringVar(&until, "until", "", "Pack end time (RFC3339)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (planID == "") != (packPath == "") {
		_, _ = fmt.Fprintln(stderr, "Error: --plan and --pack must be given together")
		return 2
	}
	req := audit.ExportRequest{PlanID: planID}
	var err error
	if req.StartTime, err = parseTime(since); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --since: %v\n", err)
		return 2
	}
	if req.EndTime, err = parseTime(until); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --until: %v\n", err)
		return 2
	}

	cfg, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	ctx := context.Background()
	store, err := ledger.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: ledger: %v\n", err)
		return 2
	}
	defer func() { _ = store.Close() }()

	var signer causalchain.Signer
	if cfg.SigningSeed != "" {
		keys, err := newKeyring(cfg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		chainKeys, err := keys.Derive(chainKeyPurpose)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		signer = chainKeys
	}

	actions, err := store.AllActions(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	result := verifyResult{Actions: len(actions), Signatures: signer != nil}
	if len(actions) > 0 {
		result.Head = actions[len(actions)-1].ChainHash
	}
	if err := causalchain.VerifyActions(actions, signer); err != nil {
		result.Error = err.Error()
	} else {
		result.Verified = true
	}

	if result.Verified && packPath != "" {
		pack, err := audit.NewExporter(store, signer).GeneratePack(ctx, req)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: evidence pack: %v\n", err)
			return 2
		}
		if err := os.WriteFile(packPath, pack.Data, 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		result.Pack = packPath
		result.PackSHA256 = pack.SHA256
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printVerifyResult(stdout, result)
	}
	if !result.Verified {
		return 1
	}
	return 0
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func printVerifyResult(w io.Writer, r verifyResult) {
	if !r.Verified {
		_, _ = fmt.Fprintf(w, "%s❌ Chain verification failed%s\n", ColorRed+ColorBold, ColorReset)
		_, _ = fmt.Fprintf(w, "  %s\n", r.Error)
		return
	}
	sigs := "not checked (CCOS_SIGNING_SEED unset)"
	if r.Signatures {
		sigs = "checked"
	}
	_, _ = fmt.Fprintf(w, "%s✅ Chain verified%s\n", ColorGreen+ColorBold, ColorReset)
	_, _ = fmt.Fprintf(w, "  Actions:    %d\n", r.Actions)
	_, _ = fmt.Fprintf(w, "  Signatures: %s\n", sigs)
	if r.Head != "" {
		_, _ = fmt.Fprintf(w, "  Head:       %s%s%s\n", ColorGray, r.Head, ColorReset)
	}
	if r.Pack != "" {
		_, _ = fmt.Fprintf(w, "  Pack:       %s (sha256 %s)\n", r.Pack, r.PackSHA256)
	}
}
