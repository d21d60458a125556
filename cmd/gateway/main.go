// Command gateway is the redaction gateway's HTTP proxy server.
//
// It intercepts outbound HTTP requests to known AI APIs, sanitizes sensitive
// values in the request body against a reloadable ruleset, forwards the
// cleaned request to the original destination, and reconciles the
// corresponding response so the client sees original values the gateway is
// allowed to restore.
//
// Authentication and OAuth endpoints always pass through unchanged.
//
// Upstream proxy chaining (e.g. a corporate proxy) is automatic: Go's net/http
// reads HTTP_PROXY / HTTPS_PROXY / NO_PROXY from the environment. No extra
// configuration is required — set those env vars before starting this process.
//
// Usage:
//
//	# Direct internet access
//	./gateway
//
//	# Behind a corporate proxy
//	HTTPS_PROXY=http://corporate-proxy:8888 ./gateway
//
//	# Custom ports
//	GATEWAY_PORT=3128 MANAGEMENT_PORT=3129 ./gateway
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"redaction-gateway/internal/config"
	"redaction-gateway/internal/engine"
	"redaction-gateway/internal/logger"
	"redaction-gateway/internal/management"
	"redaction-gateway/internal/metrics"
	"redaction-gateway/internal/mitm"
	"redaction-gateway/internal/proxy"
)

func main() {
	cfg := config.Load()
	log := logger.New("GATEWAY", cfg.LogLevel)

	printBanner(cfg)

	eng, err := engine.New(engine.Config{
		RulesDir:                 cfg.RulesDir,
		RulesetFile:              cfg.RulesetFile,
		TokenSecret:              cfg.TokenSecret,
		TokenTTLDays:             cfg.TokenTTLDays,
		NeverReconcileCategories: cfg.NeverReconcileCategories,
		LedgerDBFile:             cfg.LedgerDBFile,
		LedgerCacheFile:          cfg.LedgerCacheFile,
		LedgerCacheCapacity:      cfg.LedgerCacheCapacity,
	}, log)
	if err != nil {
		log.Fatalf("engine_init", "failed to start rule engine: %v", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Errorf("engine_close", "ledger close error: %v", err)
		}
	}()

	// Build the management domain registry so both servers share the same state.
	// Runtime domain changes are persisted to ai-domains.json and restored on restart.
	registry := management.NewDomainRegistry(cfg, "ai-domains.json")

	// Shared metrics collector — passed to both servers so counters are unified.
	m := metrics.New()

	// Start management API in background.
	// Fatal is intentional: the gateway should not run without its control plane.
	mgmt := management.New(cfg, registry, m, eng)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Fatalf("management_listen", "fatal: %v", err)
		}
	}()

	// A local MITM CA lets the gateway terminate TLS for AI API domains so
	// their request/response bodies can be sanitized the same way plain HTTP
	// traffic is. If the CA can't be loaded or generated (e.g. read-only
	// filesystem) the gateway still runs, but HTTPS CONNECT traffic falls
	// back to an opaque tunnel and only plain-HTTP bodies get sanitized.
	ca, err := mitm.LoadOrGenerateCA(cfg.CACertFile, cfg.CAKeyFile)
	if err != nil {
		log.Errorf("mitm_ca", "HTTPS interception disabled, CA unavailable: %v", err)
		ca = nil
	}

	proxyServer := proxy.New(cfg, registry, eng, m, ca)
	defer func() {
		if err := proxyServer.Close(); err != nil {
			log.Errorf("proxy_close", "close error: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.GatewayPort)
	log.Infof("gateway_listen", "listening on %s", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           proxyServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Infof("gateway_shutdown", "shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("gateway_shutdown", "shutdown error: %v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("gateway_listen", "fatal: %v", err)
	}
}

func printBanner(cfg *config.Config) {
	upstreamProxy := os.Getenv("HTTPS_PROXY")
	if upstreamProxy == "" {
		upstreamProxy = os.Getenv("HTTP_PROXY")
	}
	if upstreamProxy == "" {
		upstreamProxy = "(direct — set HTTP_PROXY or HTTPS_PROXY to chain upstream)"
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          Redaction Gateway  (Go)                     ║
╚══════════════════════════════════════════════════════╝
  Gateway port    : %d
  Management port : %d
  Upstream proxy  : %s
  Rules dir       : %s
  Ruleset file    : %s
  Token TTL days  : %d

  Point clients here:
    export HTTP_PROXY=http://localhost:%d
    export HTTPS_PROXY=http://localhost:%d

  Check status:
    curl http://localhost:%d/status
`, cfg.GatewayPort, cfg.ManagementPort,
		upstreamProxy,
		cfg.RulesDir, cfg.RulesetFile, cfg.TokenTTLDays,
		cfg.GatewayPort, cfg.GatewayPort,
		cfg.ManagementPort)
}
