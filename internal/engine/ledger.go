package engine

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// tokenLedger is the session-scoped token ↔ value store (C2). It is backed
// by SQLite via database/sql, mirroring the two UNIQUE constraints of the
// original token_mappings table: (session_id, token) and
// (session_id, value_hash, category). An optional read-through cache sits
// in front of the value_hash → token lookup; the database remains the
// source of truth and the only place tokens are minted.
//
// SQLite itself serializes writers, but the read-count-then-insert sequence
// in GetOrCreate must be atomic from the ledger's point of view or two
// concurrent sanitize calls for the same session could allocate the same
// sequence number. mu enforces that.
type tokenLedger struct {
	mu     sync.Mutex
	db     *sql.DB
	secret string
	ttl    time.Duration
	cache  PersistentCache // optional; nil disables the hot cache
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS token_mappings (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	token TEXT NOT NULL,
	value_hash TEXT NOT NULL,
	original_value_enc TEXT NOT NULL,
	category TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	UNIQUE(session_id, token),
	UNIQUE(session_id, value_hash, category)
);
`

// openLedger opens (or creates) the SQLite database at dbPath and installs
// the schema. cache may be nil.
func openLedger(dbPath, secret string, ttlDays int, cache PersistentCache) (*tokenLedger, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db %q: %w", dbPath, err)
	}
	// SQLite allows only one writer at a time; match that with a single
	// pooled connection so database/sql doesn't hand out concurrent writers
	// that would otherwise serialize behind SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}

	return &tokenLedger{
		db:     db,
		secret: secret,
		ttl:    time.Duration(ttlDays) * 24 * time.Hour,
		cache:  cache,
	}, nil
}

func (l *tokenLedger) Close() error {
	if l.cache != nil {
		_ = l.cache.Close()
	}
	return l.db.Close()
}

// cacheKey scopes the hot cache by session so one session's tokens can never
// satisfy another session's lookup.
func cacheKey(sessionID, valueHash, category string) string {
	return sessionID + "|" + category + "|" + valueHash
}

// GetOrCreate returns the token for (sessionID, value, category), minting a
// new one and persisting it if this is the first time this value has been
// seen in this session. The per-session, per-category sequence number is
// the count of existing rows for that (session, category) pair plus one,
// formatted as a zero-padded three-digit token suffix. An insert that fails
// on the unique (session_id, token) constraint is retried once from the
// lookup; a second failure is returned as an error.
func (l *tokenLedger) GetOrCreate(sessionID, value, category string) (token string, created bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	token, created, err = l.getOrCreateLocked(sessionID, value, category)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		token, created, err = l.getOrCreateLocked(sessionID, value, category)
	}
	return token, created, err
}

// getOrCreateLocked is one lookup-or-insert attempt; the caller holds l.mu.
func (l *tokenLedger) getOrCreateLocked(sessionID, value, category string) (token string, created bool, err error) {
	normalizedCategory := normalizeCategory(category)
	valueHash := hashText(normalizedCategory + "|" + foldCase(strings.TrimSpace(value)))

	if l.cache != nil {
		if cached, ok := l.cache.Get(cacheKey(sessionID, valueHash, normalizedCategory)); ok {
			return cached, false, nil
		}
	}

	row := l.db.QueryRow(
		`SELECT token FROM token_mappings WHERE session_id = ? AND value_hash = ? AND category = ?`,
		sessionID, valueHash, normalizedCategory,
	)
	var existing string
	switch err := row.Scan(&existing); err {
	case nil:
		if l.cache != nil {
			l.cache.Set(cacheKey(sessionID, valueHash, normalizedCategory), existing)
		}
		return existing, false, nil
	case sql.ErrNoRows:
		// fall through to insert
	default:
		return "", false, fmt.Errorf("lookup value_hash: %w", err)
	}

	var count int
	if err := l.db.QueryRow(
		`SELECT COUNT(*) FROM token_mappings WHERE session_id = ? AND category = ?`,
		sessionID, normalizedCategory,
	).Scan(&count); err != nil {
		return "", false, fmt.Errorf("count session tokens: %w", err)
	}
	token = fmt.Sprintf("<TKN_%s_%03d>", normalizedCategory, count+1)

	now := time.Now().UTC()
	expires := now.Add(l.ttl)
	encodedValue := obfuscate(value, l.secret)

	_, err = l.db.Exec(
		`INSERT INTO token_mappings (id, session_id, token, value_hash, original_value_enc, category, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), sessionID, token, valueHash, encodedValue, normalizedCategory,
		now.Format(time.RFC3339Nano), expires.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", false, fmt.Errorf("insert token mapping: %w", err)
	}

	if l.cache != nil {
		l.cache.Set(cacheKey(sessionID, valueHash, normalizedCategory), token)
	}
	return token, true, nil
}

// Lookup resolves token back to its original value within sessionID. ok is
// false if the token is unknown to this session or has expired.
func (l *tokenLedger) Lookup(sessionID, token string) (value string, ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var encodedValue, expiresAt string
	row := l.db.QueryRow(
		`SELECT original_value_enc, expires_at FROM token_mappings WHERE session_id = ? AND token = ?`,
		sessionID, token,
	)
	switch err := row.Scan(&encodedValue, &expiresAt); err {
	case nil:
		// fall through
	case sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("lookup token: %w", err)
	}

	expires, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err == nil && time.Now().UTC().After(expires) {
		return "", false, nil
	}

	value, err = deobfuscate(encodedValue, l.secret)
	if err != nil {
		return "", false, fmt.Errorf("decode token %q: %w", token, err)
	}
	return value, true, nil
}

// DeleteSession removes every ledger row for sessionID, used when a session
// ends and its mappings should no longer be reconcilable.
func (l *tokenLedger) DeleteSession(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cache != nil {
		rows, err := l.db.Query(
			`SELECT value_hash, category FROM token_mappings WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("scan session %q for cache eviction: %w", sessionID, err)
		}
		var keys []string
		for rows.Next() {
			var valueHash, category string
			if err := rows.Scan(&valueHash, &category); err != nil {
				rows.Close() //nolint:errcheck // already erroring out
				return fmt.Errorf("scan session %q row: %w", sessionID, err)
			}
			keys = append(keys, cacheKey(sessionID, valueHash, category))
		}
		rows.Close() //nolint:errcheck // read-only cursor, nothing to flush
		for _, k := range keys {
			l.cache.Delete(k)
		}
	}

	if _, err := l.db.Exec(`DELETE FROM token_mappings WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session %q: %w", sessionID, err)
	}
	return nil
}
