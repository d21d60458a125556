package engine

import "fmt"

// applyAction maps one accepted match to its replacement text, consulting
// or updating the ledger for the tokenize action. created reports whether a
// brand-new ledger row was inserted (always false for non-tokenize actions).
func (e *Engine) applyAction(sessionID string, r *rule, value string) (replacement string, created bool, err error) {
	switch r.action {
	case actionReplace:
		if r.replacement != "" {
			return r.replacement, false, nil
		}
		return fmt.Sprintf("[%s]", r.category), false, nil

	case actionAnagram:
		return anagram(value, e.secret), false, nil

	case actionObfuscate:
		return fmt.Sprintf("ENC[%s]", obfuscate(value, e.secret)), false, nil

	case actionTokenize:
		token, wasCreated, err := e.ledger.GetOrCreate(sessionID, value, r.category)
		if err != nil {
			return "", false, fmt.Errorf("tokenize %q: %w", r.category, err)
		}
		return token, wasCreated, nil

	default:
		// Unknown action: pass the value through unchanged.
		return value, false, nil
	}
}
