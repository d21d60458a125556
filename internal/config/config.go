// Package config loads and holds all gateway configuration.
// Settings are layered: defaults → gateway-config.json → environment variables (env vars win).
// Upstream proxy chaining follows HTTP_PROXY / HTTPS_PROXY / NO_PROXY via the proxy's transport;
// the UpstreamProxy field / UPSTREAM_PROXY env var is loaded into Config but not applied to it.
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"
)

// Config holds the full gateway configuration.
type Config struct {
	GatewayPort    int    `json:"gatewayPort"`
	ManagementPort int    `json:"managementPort"`
	LogLevel       string `json:"logLevel"`

	CACertFile      string `json:"caCertFile"`
	CAKeyFile       string `json:"caKeyFile"`
	BindAddress     string `json:"bindAddress"`
	ManagementToken string `json:"managementToken"`
	UpstreamProxy   string `json:"upstreamProxy"`

	RulesDir                 string   `json:"rulesDir"`
	RulesetFile              string   `json:"rulesetFile"`
	TokenSecret              string   `json:"tokenSecret"`
	TokenTTLDays             int      `json:"tokenTTLDays"`
	NeverReconcileCategories []string `json:"neverReconcileCategories"`

	LedgerDBFile        string `json:"ledgerDBFile"`
	LedgerCacheFile     string `json:"ledgerCacheFile"` // path to bbolt hot cache; empty = no hot cache
	LedgerCacheCapacity int    `json:"ledgerCacheCapacity"`

	AIAPIDomains []string `json:"aiApiDomains"`
	AuthDomains  []string `json:"authDomains"`
	AuthPaths    []string `json:"authPaths"`

	// PIIInstructions maps LLM family prefix (e.g. "claude", "gpt") to the
	// system instruction injected when redaction tokens are present in a
	// request, so the model is told to echo them back verbatim rather than
	// hallucinate replacement values. Lookup is prefix-based:
	// "claude-sonnet-4-6" matches key "claude". The special key "default" is
	// used when no prefix matches.
	PIIInstructions map[string]string `json:"piiInstructions"`
}

// Load returns config with defaults overridden by gateway-config.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "gateway-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		GatewayPort:    8080,
		ManagementPort: 8081,
		LogLevel:       "info",
		CACertFile:     "ca-cert.pem",
		CAKeyFile:      "ca-key.pem",
		BindAddress:    "127.0.0.1",

		RulesDir:                 "rules",
		RulesetFile:              "rules/ruleset.yaml",
		TokenSecret:              "local-dev-secret",
		TokenTTLDays:             7,
		NeverReconcileCategories: []string{"PII", "SECRET", "FINANCIAL"},

		LedgerDBFile:        "data/ledger.db",
		LedgerCacheFile:     "data/ledger-cache.db",
		LedgerCacheCapacity: 4096,

		AIAPIDomains: []string{
			"api.anthropic.com",
			"api.openai.com",
			"api.cohere.ai",
			"generativelanguage.googleapis.com",
			"api.mistral.ai",
			"api.together.xyz",
			"api.perplexity.ai",
			"api.replicate.com",
			"api.huggingface.co",
		},
		AuthDomains: []string{
			"accounts.google.com",
			"login.microsoftonline.com",
			"auth0.com",
			"okta.com",
		},
		AuthPaths: []string{
			"/auth", "/login", "/signin", "/signup", "/register",
			"/token", "/oauth", "/authenticate", "/session",
			"/v1/auth", "/api/auth", "/api/login", "/api/token",
		},
		PIIInstructions: map[string]string{
			"claude": "PRIVACY TOKENS: This request contains privacy-preserving placeholders" +
				" matching the pattern <TKN_CATEGORY_NNN>. You MUST reproduce every such token" +
				" EXACTLY as written in your response. Do NOT replace them with example values," +
				" email addresses, phone numbers, names, or any other substitutes. Treat" +
				" <TKN_*> tokens as opaque identifiers that must pass through unchanged.",
			"gpt": "PRIVACY TOKENS: This request contains privacy-preserving placeholders" +
				" matching the pattern <TKN_CATEGORY_NNN>. Reproduce every such token verbatim" +
				" in your response. Do not substitute them with example values.",
			"default": "PRIVACY TOKENS: This request contains privacy-preserving placeholders" +
				" matching the pattern <TKN_CATEGORY_NNN>. Reproduce every such token verbatim" +
				" in your response. Do not substitute them with example values.",
		},
	}
}

// ResolvePIIInstruction returns the token system instruction for the given
// model string using prefix matching. "claude-sonnet-4-6" matches key
// "claude". Falls back to the "default" key, then to an empty string if
// neither exists.
func (c *Config) ResolvePIIInstruction(model string) string {
	for key, instruction := range c.PIIInstructions {
		if key == "default" {
			continue
		}
		if len(model) >= len(key) && model[:len(key)] == key {
			return instruction
		}
	}
	if fallback, ok := c.PIIInstructions["default"]; ok {
		return fallback
	}
	return ""
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G304 -- path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GatewayPort = n
		}
	}
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CA_CERT_FILE"); v != "" {
		cfg.CACertFile = v
	}
	if v := os.Getenv("CA_KEY_FILE"); v != "" {
		cfg.CAKeyFile = v
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("UPSTREAM_PROXY"); v != "" {
		cfg.UpstreamProxy = v
	}
	if v := os.Getenv("RULES_DIR"); v != "" {
		cfg.RulesDir = v
	}
	if v := os.Getenv("RULESET_FILE"); v != "" {
		cfg.RulesetFile = v
	}
	if v := os.Getenv("TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
	if v := os.Getenv("TOKEN_TTL_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TokenTTLDays = n
		}
	}
	if v := os.Getenv("NEVER_RECONCILE_CATEGORIES"); v != "" {
		cfg.NeverReconcileCategories = splitCSV(v)
	}
	if v := os.Getenv("LEDGER_DB_FILE"); v != "" {
		cfg.LedgerDBFile = v
	}
	if v := os.Getenv("LEDGER_CACHE_FILE"); v != "" {
		cfg.LedgerCacheFile = v
	}
	if v := os.Getenv("LEDGER_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.LedgerCacheCapacity = n
		}
	}
	if v := os.Getenv("AI_API_DOMAINS"); v != "" {
		cfg.AIAPIDomains = splitCSV(v)
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
