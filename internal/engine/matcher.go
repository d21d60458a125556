package engine

import (
	"sort"
	"unicode"
)

// candidate is a transient match of one rule against one text, before
// overlap resolution has run.
type candidate struct {
	start int
	end   int
	value string
	rule  *rule
}

// findCandidates runs every compiled rule against text and returns every
// hit, across all rules, with conflicts unresolved.
func findCandidates(text string, rules []*rule) []candidate {
	var out []candidate
	for _, r := range rules {
		switch r.kind {
		case kindRegex:
			if r.re == nil {
				continue // compile failure degrades to zero matches
			}
			out = append(out, findRegexMatches(text, r)...)
		case kindList:
			if len(r.terms) == 0 {
				continue
			}
			out = append(out, findTermMatches(text, r)...)
		}
	}
	return out
}

func findRegexMatches(text string, r *rule) []candidate {
	locs := r.re.FindAllStringIndex(text, -1)
	out := make([]candidate, 0, len(locs))
	for _, loc := range locs {
		out = append(out, candidate{
			start: loc[0],
			end:   loc[1],
			value: text[loc[0]:loc[1]],
			rule:  r,
		})
	}
	return out
}

func findTermMatches(text string, r *rule) []candidate {
	var out []candidate
	for i, term := range r.terms {
		if term == "" || i >= len(r.termPatterns) || r.termPatterns[i] == nil {
			continue
		}
		locs := r.termPatterns[i].FindAllStringIndex(text, -1)
		for _, loc := range locs {
			out = append(out, candidate{
				start: loc[0],
				end:   loc[1],
				value: text[loc[0]:loc[1]],
				rule:  r,
			})
		}
	}
	return out
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// resolveOverlaps picks the non-overlapping subset of candidates: sort by
// (start asc, length desc, priority desc), then greedily accept candidates
// whose span is disjoint from every already-accepted span.
// The result is sorted by start (already true after the greedy walk, since
// the walk processes in start order and only appends).
func resolveOverlaps(candidates []candidate) []candidate {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.start != b.start {
			return a.start < b.start
		}
		lenA, lenB := a.end-a.start, b.end-b.start
		if lenA != lenB {
			return lenA > lenB
		}
		return a.rule.priority > b.rule.priority
	})

	var accepted []candidate
	var occupied [][2]int
	for _, c := range sorted {
		overlaps := false
		for _, span := range occupied {
			if c.start < span[1] && span[0] < c.end {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		accepted = append(accepted, c)
		occupied = append(occupied, [2]int{c.start, c.end})
	}
	return accepted
}

// triggeredRuleIDs returns the sorted, unique set of rule ids represented
// in accepted.
func triggeredRuleIDs(accepted []candidate) []string {
	seen := make(map[string]bool, len(accepted))
	var ids []string
	for _, c := range accepted {
		if !seen[c.rule.id] {
			seen[c.rule.id] = true
			ids = append(ids, c.rule.id)
		}
	}
	sort.Strings(ids)
	return ids
}
