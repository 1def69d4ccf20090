package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/ccos/core/pkg/artifacts"
	"github.com/Mindburn-Labs/ccos/core/pkg/config"
	"github.com/Mindburn-Labs/ccos/core/pkg/runtime/sandbox"
	"github.com/Mindburn-Labs/ccos/core/pkg/store/ledger"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd implements `ccos doctor`. Warnings do not fail the check.
func runDoctorCmd(stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}

	cfg, err := loadConfig(stderr)
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
		return printChecks(stdout, results)
	}
	results = append(results, checkResult{Name: "config", Status: "ok", Detail: "environment parsed"})

	results = append(results, checkLedger(ctx, cfg))
	results = append(results, checkProfile(cfg))

	if _, err := loadConstitution(cfg.Constitution); err != nil {
		results = append(results, checkResult{Name: "constitution", Status: "fail", Detail: err.Error()})
	} else if cfg.Constitution == "" {
		results = append(results, checkResult{Name: "constitution", Status: "ok", Detail: "built-in rules"})
	} else {
		results = append(results, checkResult{Name: "constitution", Status: "ok", Detail: cfg.Constitution})
	}

	if cfg.SigningSeed == "" {
		results = append(results, checkResult{
			Name:   "signing_seed",
			Status: "warn",
			Detail: "CCOS_SIGNING_SEED not set (chain unsigned, grants die with the process)",
		})
	} else {
		results = append(results, checkResult{Name: "signing_seed", Status: "ok", Detail: "set"})
	}

	results = append(results, checkRedis(ctx, cfg))

	if _, err := artifacts.NewStore(ctx, cfg.Artifacts); err != nil {
		results = append(results, checkResult{Name: "artifacts", Status: "fail", Detail: err.Error()})
	} else {
		results = append(results, checkResult{Name: "artifacts", Status: "ok", Detail: string(cfg.Artifacts.Type)})
	}

	provider := sandbox.NewProvider()
	for _, lang := range []sandbox.Language{sandbox.LanguagePython, sandbox.LanguageJavaScript, sandbox.LanguageShell, sandbox.LanguageLua} {
		path, ok := provider.Interpreter(lang)
		if ok {
			results = append(results, checkResult{Name: "interp_" + string(lang), Status: "ok", Detail: path})
		} else {
			results = append(results, checkResult{Name: "interp_" + string(lang), Status: "warn", Detail: path + " not found in PATH"})
		}
	}

	if cfg.OTel.Enabled {
		results = append(results, checkResult{Name: "otel", Status: "ok", Detail: cfg.OTel.Endpoint})
	} else {
		results = append(results, checkResult{Name: "otel", Status: "warn", Detail: "disabled (CCOS_OTEL_ENABLED)"})
	}

	return printChecks(stdout, results)
}

func checkLedger(ctx context.Context, cfg *config.Config) checkResult {
	store, err := ledger.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return checkResult{Name: "ledger", Status: "fail", Detail: err.Error()}
	}
	defer func() { _ = store.Close() }()
	actions, err := store.AllActions(ctx)
	if err != nil {
		return checkResult{Name: "ledger", Status: "fail", Detail: err.Error()}
	}
	return checkResult{Name: "ledger", Status: "ok", Detail: fmt.Sprintf("%s, %d actions", cfg.DBDriver, len(actions))}
}

func checkProfile(cfg *config.Config) checkResult {
	p, err := config.LoadProfile(cfg.ProfileDir, cfg.Profile)
	if err != nil {
		return checkResult{Name: "profile", Status: "fail", Detail: err.Error()}
	}
	detail := fmt.Sprintf("%s (%s, network %s)", p.Name, p.SecurityLevel, p.Network.Mode)
	return checkResult{Name: "profile", Status: "ok", Detail: detail}
}

func checkRedis(ctx context.Context, cfg *config.Config) checkResult {
	if cfg.RedisAddr == "" {
		return checkResult{Name: "redis", Status: "ok", Detail: "not configured (in-memory rate limits)"}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = client.Close() }()
	if err := client.Ping(ctx).Err(); err != nil {
		return checkResult{Name: "redis", Status: "fail", Detail: err.Error()}
	}
	return checkResult{Name: "redis", Status: "ok", Detail: cfg.RedisAddr}
}

func printChecks(w io.Writer, results []checkResult) int {
	allOK := true
	_, _ = fmt.Fprintf(w, "\n%sCCOS Doctor%s\n", ColorBold+ColorBlue, ColorReset)
	_, _ = fmt.Fprintln(w, "───────────")
	for _, r := range results {
		icon := "✅"
		switch r.Status {
		case "warn":
			icon = "⚠️ "
		case "fail":
			icon = "❌"
			allOK = false
		}
		_, _ = fmt.Fprintf(w, "  %s  %-20s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
	}

	if allOK {
		_, _ = fmt.Fprintf(w, "\n%sAll checks passed.%s\n", ColorGreen+ColorBold, ColorReset)
		return 0
	}
	return 1
}
