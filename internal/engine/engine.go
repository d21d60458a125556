package engine

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"redaction-gateway/internal/logger"
)

// tokenPattern recognizes any token the ledger could have minted, per the
// fixed grammar <TKN_[A-Z0-9_]+_[0-9]{3}>.
var tokenPattern = regexp.MustCompile(`<TKN_[A-Z0-9_]+_[0-9]{3}>`)
var tokenCategoryPattern = regexp.MustCompile(`<TKN_([A-Z0-9_]+)_([0-9]{3})>`)

// Config bundles the settings an Engine needs to boot.
type Config struct {
	RulesDir                 string
	RulesetFile              string
	TokenSecret              string
	TokenTTLDays             int
	NeverReconcileCategories []string
	LedgerDBFile             string
	LedgerCacheFile          string
	LedgerCacheCapacity      int
}

// Engine is the top-level rule engine: a hot-swappable compiled ruleset
// plus the token ledger, exposing the Sanitize (C7) and Reconcile (C8)
// passes along with admin Reload/Validate operations.
type Engine struct {
	cfg Config
	log *logger.Logger

	mu    sync.RWMutex // guards state (swapped wholesale on Reload)
	state *rulesetState

	secret string
	ledger *tokenLedger
}

// New builds an Engine: opens the ledger (and its optional hot cache), then
// performs the initial ruleset load. A failed initial load is fatal — there
// is no prior state to fall back to.
func New(cfg Config, log *logger.Logger) (*Engine, error) {
	cache, err := newLedgerCache(cfg.LedgerCacheFile, cfg.LedgerCacheCapacity, log)
	if err != nil {
		return nil, err
	}
	ledger, err := openLedger(cfg.LedgerDBFile, cfg.TokenSecret, cfg.TokenTTLDays, cache)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		log:    log,
		secret: cfg.TokenSecret,
		ledger: ledger,
	}
	if err := e.Reload(); err != nil {
		ledger.Close() //nolint:errcheck // initial load failed, nothing to flush
		return nil, err
	}
	return e, nil
}

// Close releases the ledger and its cache.
func (e *Engine) Close() error {
	return e.ledger.Close()
}

// Reload recompiles the ruleset from disk and swaps it in atomically. On
// failure the previously installed ruleset stays active.
func (e *Engine) Reload() error {
	state, err := loadRuleset(e.cfg.RulesDir, e.cfg.RulesetFile, e.cfg.NeverReconcileCategories, e.log)
	if err != nil {
		if e.log != nil {
			e.log.Errorf("ruleset_reload", "reload failed, keeping previous ruleset: %v", err)
		}
		return err
	}
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	if e.log != nil {
		e.log.Infof("ruleset_reload", "loaded ruleset version=%d mode=%s rules=%d", state.version, state.mode, len(state.rules))
	}
	return nil
}

// RuleCounts reports the total rule count and the list-rule subset, for the
// management status endpoint.
func (e *Engine) RuleCounts() (total, listRules int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total = len(e.state.rules)
	for _, r := range e.state.rules {
		if r.kind == kindList {
			listRules++
		}
	}
	return total, listRules
}

// Validate attempts a reload and reports whether it succeeded, along with
// the resulting rule counts (zero on failure) and a human-readable message.
func (e *Engine) Validate() (ok bool, ruleCount, listCount int, message string) {
	if err := e.Reload(); err != nil {
		return false, 0, 0, err.Error()
	}
	total, list := e.RuleCounts()
	return true, total, list, "valid ruleset"
}

// SanitizationResult is the outcome of one Sanitize call.
type SanitizationResult struct {
	OriginalText    string
	SanitizedText   string
	RulesTriggered  []string
	Transformations int
	TokensCreated   int
	EncodedValues   []string
	OriginalHash    string
}

// Sanitize runs the forward pass (C7) over text for sessionID: find every
// candidate match, resolve overlaps, and replace each accepted match with
// its rule's action output.
func (e *Engine) Sanitize(sessionID, text string) (SanitizationResult, error) {
	originalHash := hashText(text)
	if text == "" {
		return SanitizationResult{OriginalText: text, SanitizedText: text, OriginalHash: originalHash}, nil
	}

	e.mu.RLock()
	rules := e.state.rules
	e.mu.RUnlock()

	candidates := findCandidates(text, rules)
	selected := resolveOverlaps(candidates)
	if len(selected) == 0 {
		return SanitizationResult{OriginalText: text, SanitizedText: text, OriginalHash: originalHash}, nil
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].start < selected[j].start })

	var b strings.Builder
	cursor := 0
	tokensCreated := 0
	var encodedValues []string
	encodedSeen := make(map[string]bool)

	for _, m := range selected {
		b.WriteString(text[cursor:m.start])
		replacement, created, err := e.applyAction(sessionID, m.rule, m.value)
		if err != nil {
			return SanitizationResult{}, err
		}
		b.WriteString(replacement)
		cursor = m.end
		if created {
			tokensCreated++
		}
		if m.rule.action == actionTokenize {
			key := foldCase(m.value)
			if !encodedSeen[key] {
				encodedSeen[key] = true
				encodedValues = append(encodedValues, m.value)
			}
		}
	}
	b.WriteString(text[cursor:])

	return SanitizationResult{
		OriginalText:    text,
		SanitizedText:   b.String(),
		RulesTriggered:  triggeredRuleIDs(selected),
		Transformations: len(selected),
		TokensCreated:   tokensCreated,
		EncodedValues:   encodedValues,
		OriginalHash:    originalHash,
	}, nil
}

// ReconcileResult is the outcome of one Reconcile call.
type ReconcileResult struct {
	Text          string
	ReplacedCount int
	MissingTokens []string
	DecodedValues []string
}

// Reconcile runs the reverse pass (C8): every token in text is looked up in
// sessionID's ledger and substituted back for its original value. Tokens
// whose category is in the never-reconcile set are left in place and not
// reported; tokens whose ledger row has expired or never existed are left
// in place and listed in MissingTokens.
func (e *Engine) Reconcile(sessionID, text string) (ReconcileResult, error) {
	if text == "" {
		return ReconcileResult{Text: text}, nil
	}

	e.mu.RLock()
	neverReconcile := e.state.neverReconcile
	e.mu.RUnlock()

	found := tokenPattern.FindAllString(text, -1)
	unique := make(map[string]bool, len(found))
	var tokens []string
	for _, t := range found {
		if !unique[t] {
			unique[t] = true
			tokens = append(tokens, t)
		}
	}
	// Longest-first so a token that is a prefix of another (not possible
	// given the fixed grammar's trailing ">", but kept for parity with the
	// reference ordering) never gets partially replaced first.
	sort.Slice(tokens, func(i, j int) bool { return len(tokens[i]) > len(tokens[j]) })

	reconciled := text
	replacedCount := 0
	var missing []string
	var decodedValues []string
	decodedSeen := make(map[string]bool)

	for _, token := range tokens {
		category := ""
		if m := tokenCategoryPattern.FindStringSubmatch(token); m != nil {
			category = m[1]
		}
		if neverReconcile[strings.ToUpper(category)] {
			continue
		}

		value, ok, err := e.ledger.Lookup(sessionID, token)
		if err != nil {
			return ReconcileResult{}, err
		}
		if !ok {
			missing = append(missing, token)
			continue
		}

		occurrences := strings.Count(reconciled, token)
		if occurrences == 0 {
			continue
		}
		reconciled = strings.ReplaceAll(reconciled, token, value)
		replacedCount += occurrences

		key := foldCase(value)
		if !decodedSeen[key] {
			decodedSeen[key] = true
			decodedValues = append(decodedValues, value)
		}
	}

	return ReconcileResult{
		Text:          reconciled,
		ReplacedCount: replacedCount,
		MissingTokens: missing,
		DecodedValues: decodedValues,
	}, nil
}

// EndSession discards every ledger mapping for sessionID.
func (e *Engine) EndSession(sessionID string) error {
	return e.ledger.DeleteSession(sessionID)
}

// tokenTTL exposes the configured token lifetime.
func (e *Engine) tokenTTL() time.Duration {
	return e.ledger.ttl
}
