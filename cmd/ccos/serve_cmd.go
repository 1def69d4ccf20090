package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/ccos/core/pkg/marketplace"
	"github.com/Mindburn-Labs/ccos/core/pkg/mcp"
)

// runServeCmd implements `ccos serve`: registered capabilities are published
// as MCP tools, and every tool call passes the governance kernel before it
// reaches the marketplace.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		addr      string
		stdio     bool
		manifests string
		profile   string
		pattern   string
		noPersist bool
	)
	cmd.StringVar(&addr, "addr", ":8090", "HTTP listen address")
	cmd.BoolVar(&stdio, "stdio", false, "Serve one session over stdin/stdout instead of HTTP")
	cmd.StringVar(&manifests, "manifests", "", "Directory of capability manifests to register")
	cmd.StringVar(&profile, "profile", "", "Sandbox profile name (default $CCOS_PROFILE)")
	cmd.StringVar(&pattern, "id", "", "Only publish capabilities whose id matches this glob")
	cmd.BoolVar(&noPersist, "no-persist", false, "Do not write the causal chain to the ledger")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	opts := serviceOptions{persist: !noPersist, manifests: manifests, profile: profile}
	if cfg.AuditLog {
		opts.audit = stderr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(ctx, cfg, opts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer svc.Close(context.Background())

	server := mcp.NewServer(svc.Market, mcp.ServerOptions{
		Name:       "ccos",
		Version:    version,
		Authorizer: svc.Kernel,
		Filter:     marketplace.Query{IDPattern: pattern},
	})

	if stdio {
		if err := server.ServeStdio(ctx); err != nil && !errors.Is(err, context.Canceled) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		return 0
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	_, _ = fmt.Fprintf(stdout, "%sCCOS MCP server%s\n", ColorBold+ColorBlue, ColorReset)
	_, _ = fmt.Fprintf(stdout, "  Endpoint:  http://localhost%s/mcp\n", addr)
	_, _ = fmt.Fprintf(stdout, "  Tools:     %d\n", len(svc.Market.QueryCapabilities(marketplace.Query{IDPattern: pattern})))
	_, _ = fmt.Fprintf(stdout, "  Profile:   %s (%s)\n", svc.Profile.Name, svc.Profile.SecurityLevel)
	_, _ = fmt.Fprintf(stdout, "  Ctrl+C to stop.\n")

	slog.Info("mcp server listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}
