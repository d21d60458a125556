package engine

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"redaction-gateway/internal/logger"
)

// ruleKind distinguishes the two rule shapes the loader produces.
type ruleKind string

const (
	kindRegex ruleKind = "regex"
	kindList  ruleKind = "list"
)

// ruleAction is one of the four actions an accepted match can resolve to.
type ruleAction string

const (
	actionTokenize  ruleAction = "tokenize"
	actionReplace   ruleAction = "replace"
	actionAnagram   ruleAction = "anagram"
	actionObfuscate ruleAction = "obfuscate"
)

// autoDiscoverCategory and autoDiscoverPriority are the fixed policy
// constants for list files found under rules/lists/ that are not declared
// explicitly in the ruleset document. These are baked-in, not configurable,
// so token stream interpretation stays stable across reloads.
const (
	autoDiscoverCategory = "BUSINESS"
	autoDiscoverPriority = 90
)

// rule is a compiled rule definition, ready for matching.
type rule struct {
	id            string
	kind          ruleKind
	category      string
	action        ruleAction
	priority      int
	caseSensitive bool
	wordBoundary  bool

	// regex rules
	re *regexp.Regexp

	// replace action
	replacement string

	// list rules: terms in display form, de-duplicated by case-folded key,
	// with one compiled word-boundary pattern per term (same index).
	terms        []string
	termPatterns []*regexp.Regexp
}

// rulesetState is the immutable, atomically-swappable compiled ruleset.
type rulesetState struct {
	version         int
	mode            string
	neverReconcile  map[string]bool // normalized, uppercase category set
	rules           []*rule
}

// rulesetDocument is the raw JSON/YAML shape of the primary ruleset file.
type rulesetDocument struct {
	Version                  int                 `json:"version" yaml:"version"`
	Mode                     string              `json:"mode" yaml:"mode"`
	NeverReconcileCategories []string            `json:"never_reconcile_categories" yaml:"never_reconcile_categories"`
	Rules                    []ruleDocEntry      `json:"rules" yaml:"rules"`
	Lists                    []listDocEntry      `json:"lists" yaml:"lists"`
}

type ruleDocEntry struct {
	ID            string `json:"id" yaml:"id"`
	Type          string `json:"type" yaml:"type"`
	Pattern       string `json:"pattern" yaml:"pattern"`
	Category      string `json:"category" yaml:"category"`
	Action        string `json:"action" yaml:"action"`
	Priority      *int   `json:"priority" yaml:"priority"`
	CaseSensitive *bool  `json:"case_sensitive" yaml:"case_sensitive"`
	WordBoundary  *bool  `json:"word_boundary" yaml:"word_boundary"`
	Replacement   string `json:"replacement" yaml:"replacement"`
}

type listDocEntry struct {
	ID                       string `json:"id" yaml:"id"`
	Source                   string `json:"source" yaml:"source"`
	Category                 string `json:"category" yaml:"category"`
	Action                   string `json:"action" yaml:"action"`
	Priority                 *int   `json:"priority" yaml:"priority"`
	CaseSensitive            *bool  `json:"case_sensitive" yaml:"case_sensitive"`
	WordBoundary             *bool  `json:"word_boundary" yaml:"word_boundary"`
	IncludeReversedWordOrder bool   `json:"include_reversed_word_order" yaml:"include_reversed_word_order"`
}

// loadRuleset reads and compiles the ruleset document at rulesetFile plus
// the term-list files it references (relative to rulesDir), then folds in
// any undeclared list files found under rulesDir/lists.
//
// A reload failure (missing file, malformed document, unsupported format,
// unknown list file) returns an error and the caller must leave the
// previous state installed — loadRuleset never mutates engine state itself.
func loadRuleset(rulesDir, rulesetFile string, defaultNeverReconcile []string, log *logger.Logger) (*rulesetState, error) {
	doc, err := readRulesetDocument(rulesetFile)
	if err != nil {
		return nil, err
	}

	var rules []*rule
	for i, entry := range doc.Rules {
		r, err := compileRegexRule(entry, i)
		if err != nil {
			return nil, err
		}
		if r.kind == kindRegex && r.re == nil && log != nil {
			log.Warnf("rule_compile", "rule %q: pattern failed to compile, will match nothing", r.id)
		}
		rules = append(rules, r)
	}

	declaredSources := make(map[string]bool)
	for i, entry := range doc.Lists {
		if entry.Source == "" {
			continue
		}
		declaredSources[filepath.Clean(entry.Source)] = true
		listPath := filepath.Join(rulesDir, entry.Source)
		terms, err := loadTerms(listPath)
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", entry.Source, err)
		}
		if entry.IncludeReversedWordOrder {
			terms = expandReversedWordOrder(terms)
		}
		rules = append(rules, compileListRule(entry, terms, i))
	}

	autoRules, err := autoDiscoverLists(rulesDir, declaredSources)
	if err != nil {
		return nil, err
	}
	rules = append(rules, autoRules...)

	neverReconcile := make(map[string]bool)
	for _, c := range doc.NeverReconcileCategories {
		neverReconcile[strings.ToUpper(foldCase(c))] = true
	}
	if len(neverReconcile) == 0 {
		for _, c := range defaultNeverReconcile {
			neverReconcile[strings.ToUpper(foldCase(c))] = true
		}
	}

	version := doc.Version
	if version == 0 {
		version = 1
	}
	mode := doc.Mode
	if mode == "" {
		mode = "enforce"
	}

	return &rulesetState{
		version:        version,
		mode:           mode,
		neverReconcile: neverReconcile,
		rules:          rules,
	}, nil
}

func readRulesetDocument(path string) (*rulesetDocument, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304 -- path is operator-controlled config, not user input
	if err != nil {
		return nil, fmt.Errorf("read ruleset %q: %w", path, err)
	}

	doc := &rulesetDocument{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("parse ruleset yaml %q: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("parse ruleset json %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported ruleset format %q", ext)
	}
	return doc, nil
}

func compileRegexRule(entry ruleDocEntry, index int) (*rule, error) {
	id := entry.ID
	if id == "" {
		id = fmt.Sprintf("rule_%d", index+1)
	}
	category := normalizeCategory(entry.Category)
	r := &rule{
		id:            id,
		kind:          kindRegex,
		category:      category,
		action:        parseAction(entry.Action),
		priority:      intOrDefault(entry.Priority, 100),
		caseSensitive: boolOrDefault(entry.CaseSensitive, false),
		wordBoundary:  boolOrDefault(entry.WordBoundary, true),
		replacement:   entry.Replacement,
	}

	pattern := entry.Pattern
	if !r.caseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		// Compilation error is non-fatal to the whole reload: a single bad
		// pattern degrades to a rule that matches nothing, logged by the
		// caller via the returned zero-match rule.
		return &rule{id: id, kind: kindRegex, category: category, action: r.action,
			priority: r.priority, caseSensitive: r.caseSensitive, wordBoundary: r.wordBoundary,
			replacement: r.replacement, re: nil}, nil
	}
	r.re = re
	return r, nil
}

func compileListRule(entry listDocEntry, terms []string, index int) *rule {
	id := entry.ID
	if id == "" {
		id = fmt.Sprintf("list_%d", index+1)
	}
	category := entry.Category
	if category == "" {
		category = "BUSINESS"
	}
	caseSensitive := boolOrDefault(entry.CaseSensitive, false)
	wordBoundary := boolOrDefault(entry.WordBoundary, true)
	return &rule{
		id:            id,
		kind:          kindList,
		category:      normalizeCategory(category),
		action:        parseAction(entry.Action),
		priority:      intOrDefault(entry.Priority, 100),
		caseSensitive: caseSensitive,
		wordBoundary:  wordBoundary,
		terms:         terms,
		termPatterns:  compileTermPatterns(terms, caseSensitive, wordBoundary),
	}
}

// compileTermPatterns builds one word-boundary-aware pattern per term. A
// boundary anchor is applied at each end only if that end of the term is
// itself a word character and the rule requests word boundaries.
// A term whose pattern fails to compile yields a nil entry at that index,
// which findTermMatches skips.
func compileTermPatterns(terms []string, caseSensitive, wordBoundary bool) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(terms))
	for i, term := range terms {
		if term == "" {
			continue
		}
		escaped := regexp.QuoteMeta(term)
		startBoundary, endBoundary := "", ""
		runes := []rune(term)
		if wordBoundary {
			if isWordRune(runes[0]) {
				startBoundary = `\b`
			}
			if isWordRune(runes[len(runes)-1]) {
				endBoundary = `\b`
			}
		}
		pattern := startBoundary + escaped + endBoundary
		if !caseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		out[i] = re
	}
	return out
}

// autoDiscoverLists synthesizes a list rule for every file under
// rulesDir/lists that was not already declared in the document.
func autoDiscoverLists(rulesDir string, declaredSources map[string]bool) ([]*rule, error) {
	listsDir := filepath.Join(rulesDir, "lists")
	entries, err := os.ReadDir(listsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lists dir %q: %w", listsDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var rules []*rule
	for _, name := range names {
		rel := filepath.Join("lists", name)
		if declaredSources[filepath.Clean(rel)] {
			continue
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".txt" && ext != ".csv" && ext != ".json" {
			continue
		}
		terms, err := loadTerms(filepath.Join(listsDir, name))
		if err != nil {
			return nil, fmt.Errorf("auto-discover list %q: %w", name, err)
		}
		if len(terms) == 0 {
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		rules = append(rules, &rule{
			id:            "auto_" + stem,
			kind:          kindList,
			category:      autoDiscoverCategory,
			action:        actionTokenize,
			priority:      autoDiscoverPriority,
			caseSensitive: false,
			wordBoundary:  true,
			terms:         terms,
			termPatterns:  compileTermPatterns(terms, false, true),
		})
	}
	return rules, nil
}

// loadTerms reads a term-list file, deduplicating by case-folded equality
// (first occurrence wins for display form).
func loadTerms(path string) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304 -- path built from operator-controlled rules dir
	if err != nil {
		return nil, fmt.Errorf("read list file %q: %w", path, err)
	}

	var raw []string
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".txt":
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimRight(line, "\r")
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			raw = append(raw, line)
		}
	case ".csv":
		r := csv.NewReader(strings.NewReader(string(data)))
		r.FieldsPerRecord = -1
		for {
			record, err := r.Read()
			if err != nil {
				break
			}
			for _, cell := range record {
				if v := strings.TrimSpace(cell); v != "" {
					raw = append(raw, v)
				}
			}
		}
	case ".json":
		var asArray []string
		if err := json.Unmarshal(data, &asArray); err == nil {
			raw = asArray
		} else {
			var asObject struct {
				Terms []string `json:"terms"`
			}
			if err := json.Unmarshal(data, &asObject); err != nil {
				return nil, fmt.Errorf("parse json list %q: %w", path, err)
			}
			raw = asObject.Terms
		}
	default:
		return nil, fmt.Errorf("unsupported list format %q", ext)
	}

	return dedupeTerms(raw), nil
}

func dedupeTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		v := strings.TrimSpace(t)
		if v == "" {
			continue
		}
		key := foldCase(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

// expandReversedWordOrder augments each multi-word term "A B ... Z" with
// "Z ... B A" unless already present under case-folded equality.
func expandReversedWordOrder(terms []string) []string {
	out := make([]string, len(terms))
	copy(out, terms)
	seen := make(map[string]bool, len(terms))
	for _, t := range terms {
		seen[foldCase(t)] = true
	}

	for _, t := range terms {
		parts := strings.Fields(t)
		if len(parts) < 2 {
			continue
		}
		reversed := make([]string, len(parts))
		for i, p := range parts {
			reversed[len(parts)-1-i] = p
		}
		candidate := strings.Join(reversed, " ")
		key := foldCase(candidate)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, candidate)
	}
	return out
}

func parseAction(s string) ruleAction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "replace":
		return actionReplace
	case "anagram":
		return actionAnagram
	case "obfuscate":
		return actionObfuscate
	case "tokenize", "":
		return actionTokenize
	default:
		return ruleAction(strings.ToLower(s))
	}
}

func intOrDefault(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func boolOrDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
