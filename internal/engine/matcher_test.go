package engine

import (
	"regexp"
	"testing"
)

func regexRule(id string, priority int, pattern string) *rule {
	return &rule{
		id:       id,
		kind:     kindRegex,
		category: "TEST",
		action:   actionTokenize,
		priority: priority,
		re:       regexp.MustCompile(pattern),
	}
}

func listRule(id string, priority int, terms []string, wordBoundary bool) *rule {
	r := &rule{
		id:           id,
		kind:         kindList,
		category:     "TEST",
		action:       actionTokenize,
		priority:     priority,
		wordBoundary: wordBoundary,
		terms:        terms,
	}
	r.termPatterns = compileTermPatterns(terms, r.caseSensitive, wordBoundary)
	return r
}

func TestFindCandidates_Regex(t *testing.T) {
	r := regexRule("email", 100, `[a-z]+@[a-z]+\.[a-z]+`)
	text := "contact mario@example.com now"

	cands := findCandidates(text, []*rule{r})
	if len(cands) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cands))
	}
	if cands[0].value != "mario@example.com" {
		t.Errorf("value: got %q", cands[0].value)
	}
}

func TestFindCandidates_SkipsNilRegex(t *testing.T) {
	r := &rule{id: "broken", kind: kindRegex, re: nil}
	cands := findCandidates("anything", []*rule{r})
	if len(cands) != 0 {
		t.Errorf("expected 0 candidates for nil regex, got %d", len(cands))
	}
}

func TestFindCandidates_List(t *testing.T) {
	r := listRule("names", 80, []string{"Mario Rossi", "Anna Bianchi"}, true)
	text := "Meeting with Mario Rossi and Anna Bianchi tomorrow"

	cands := findCandidates(text, []*rule{r})
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
}

func TestFindCandidates_List_EmptyTermsSkipped(t *testing.T) {
	r := listRule("empty", 80, nil, true)
	cands := findCandidates("anything", []*rule{r})
	if len(cands) != 0 {
		t.Errorf("expected 0 candidates, got %d", len(cands))
	}
}

func TestResolveOverlaps_PrefersLongerMatch(t *testing.T) {
	short := regexRule("short", 50, `Mario`)
	long := regexRule("long", 50, `Mario Rossi`)
	text := "Mario Rossi called"

	cands := findCandidates(text, []*rule{short, long})
	accepted := resolveOverlaps(cands)

	if len(accepted) != 1 {
		t.Fatalf("expected 1 accepted candidate, got %d", len(accepted))
	}
	if accepted[0].value != "Mario Rossi" {
		t.Errorf("expected longer match to win, got %q", accepted[0].value)
	}
}

func TestResolveOverlaps_PrefersHigherPriorityOnTie(t *testing.T) {
	low := regexRule("low", 10, `ABC`)
	high := regexRule("high", 90, `ABC`)
	text := "ABC"

	cands := findCandidates(text, []*rule{low, high})
	accepted := resolveOverlaps(cands)

	if len(accepted) != 1 {
		t.Fatalf("expected 1 accepted candidate, got %d", len(accepted))
	}
	if accepted[0].rule.id != "high" {
		t.Errorf("expected higher-priority rule to win, got %q", accepted[0].rule.id)
	}
}

func TestResolveOverlaps_NonOverlappingBothKept(t *testing.T) {
	r := regexRule("digit", 50, `\d+`)
	text := "call 123 then 456"

	cands := findCandidates(text, []*rule{r})
	accepted := resolveOverlaps(cands)

	if len(accepted) != 2 {
		t.Fatalf("expected 2 accepted candidates, got %d", len(accepted))
	}
	if accepted[0].value != "123" || accepted[1].value != "456" {
		t.Errorf("unexpected order/values: %v", accepted)
	}
}

func TestTriggeredRuleIDs_SortedUnique(t *testing.T) {
	r1 := regexRule("zzz", 50, `a`)
	r2 := regexRule("aaa", 50, `b`)
	accepted := []candidate{
		{rule: r1, start: 0, end: 1},
		{rule: r2, start: 2, end: 3},
		{rule: r1, start: 4, end: 5},
	}
	ids := triggeredRuleIDs(accepted)
	if len(ids) != 2 || ids[0] != "aaa" || ids[1] != "zzz" {
		t.Errorf("expected sorted unique [aaa zzz], got %v", ids)
	}
}

func TestIsWordRune(t *testing.T) {
	cases := map[rune]bool{
		'a': true, 'Z': true, '5': true, '_': true,
		' ': false, '.': false, '@': false,
	}
	for r, want := range cases {
		if got := isWordRune(r); got != want {
			t.Errorf("isWordRune(%q) = %v, want %v", r, got, want)
		}
	}
}
