// Command rulesetctl is an offline admin tool for the redaction gateway's
// rule engine. It loads a ruleset the same way the running gateway does and
// runs a single operation against it, without needing a live gateway
// process: validating a ruleset file, sanitizing a line of text, or
// reconciling previously minted tokens back to their original values.
//
// Usage:
//
//	rulesetctl validate
//	rulesetctl sanitize --session demo "Contact mario.rossi@example.com"
//	rulesetctl reconcile --session demo "Result for <TKN_PII_001>"
package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"redaction-gateway/internal/config"
	"redaction-gateway/internal/engine"
	"redaction-gateway/internal/logger"
)

type options struct {
	Session string `short:"s" long:"session" description:"session id to scope token lookups under" default:"rulesetctl"`
	Help    bool   `long:"help" description:"show this help"`

	Args struct {
		Command string   `positional-arg-name:"command" description:"validate | sanitize | reconcile"`
		Rest    []string `positional-arg-name:"text"`
	} `positional-args:"yes"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.PassDoubleDash)
	parser.Usage = "[options] validate|sanitize|reconcile [text...]"

	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if opts.Help || opts.Args.Command == "" {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}

	cfg := config.Load()
	log := logger.New("RULESETCTL", cfg.LogLevel)

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
		fmt.Fprintf(os.Stderr, "engine init failed: %v\n", err)
		os.Exit(1)
	}
	defer eng.Close() //nolint:errcheck // CLI process is exiting regardless

	switch opts.Args.Command {
	case "validate":
		runValidate(eng)
	case "sanitize":
		runSanitize(eng, opts.Session, joinArgs(opts.Args.Rest))
	case "reconcile":
		runReconcile(eng, opts.Session, joinArgs(opts.Args.Rest))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", opts.Args.Command)
		parser.WriteHelp(os.Stderr)
		os.Exit(1)
	}
}

// joinArgs rejoins the positional words after the command name, since
// callers may pass the text either quoted as one argument or as several
// unquoted words.
func joinArgs(words []string) string {
	out := ""
	for i, a := range words {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func runValidate(eng *engine.Engine) {
	ok, ruleCount, listCount, message := eng.Validate()
	if !ok {
		fmt.Fprintf(os.Stderr, "INVALID: %s\n", message)
		os.Exit(1)
	}
	fmt.Printf("OK: %s (rules=%d list_rules=%d)\n", message, ruleCount, listCount)
}

func runSanitize(eng *engine.Engine, session, text string) {
	if text == "" {
		fmt.Fprintln(os.Stderr, "sanitize requires text")
		os.Exit(1)
	}
	result, err := eng.Sanitize(session, text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sanitize failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(result.SanitizedText)
	fmt.Fprintf(os.Stderr, "rules_triggered=%v transformations=%d tokens_created=%d\n",
		result.RulesTriggered, result.Transformations, result.TokensCreated)
}

func runReconcile(eng *engine.Engine, session, text string) {
	if text == "" {
		fmt.Fprintln(os.Stderr, "reconcile requires text")
		os.Exit(1)
	}
	result, err := eng.Reconcile(session, text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(result.Text)
	if len(result.MissingTokens) > 0 {
		fmt.Fprintf(os.Stderr, "missing_tokens=%v\n", result.MissingTokens)
	}
}
