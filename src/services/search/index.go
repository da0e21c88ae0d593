package search

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// tokenIndex is the session-scoped token -> record-id structure. It lives
// purely in memory: it is built from freshly decrypted plaintext on unlock and
// wiped on lock, and nothing in it is ever persisted.
//
// Not safe for concurrent use on its own; the Manager serializes access.
type tokenIndex struct {
	// tokens maps a normalized token to the set of records containing it.
	tokens map[string]map[uuid.UUID]struct{}
	// byRecord maps a record to its tokens, for cheap removal on edit/delete.
	byRecord map[uuid.UUID][]string
	// recency orders query results newest-first.
	recency map[uuid.UUID]time.Time
}

func newTokenIndex() *tokenIndex {
	return &tokenIndex{
		tokens:   make(map[string]map[uuid.UUID]struct{}),
		byRecord: make(map[uuid.UUID][]string),
		recency:  make(map[uuid.UUID]time.Time),
	}
}

// tokenize normalizes plaintext into lowercase alphanumeric tokens. Single
// characters are dropped; they match everything and index nothing useful.
func tokenize(plaintext string) []string {
	fields := strings.FieldsFunc(strings.ToLower(plaintext), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}

// add indexes a record's plaintext, replacing any previous entry for the id.
func (ix *tokenIndex) add(recordID uuid.UUID, plaintext string, at time.Time) {
	ix.remove(recordID)

	tokens := tokenize(plaintext)
	for _, tok := range tokens {
		set, ok := ix.tokens[tok]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			ix.tokens[tok] = set
		}
		set[recordID] = struct{}{}
	}
	ix.byRecord[recordID] = tokens
	ix.recency[recordID] = at
}

// remove drops a record from the index.
func (ix *tokenIndex) remove(recordID uuid.UUID) {
	for _, tok := range ix.byRecord[recordID] {
		if set, ok := ix.tokens[tok]; ok {
			delete(set, recordID)
			if len(set) == 0 {
				delete(ix.tokens, tok)
			}
		}
	}
	delete(ix.byRecord, recordID)
	delete(ix.recency, recordID)
}

// query returns the ids of records containing a token with the given prefix,
// newest first. Empty terms match nothing.
func (ix *tokenIndex) query(term string) []uuid.UUID {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil
	}

	hits := make(map[uuid.UUID]struct{})
	for tok, set := range ix.tokens {
		if !strings.HasPrefix(tok, term) {
			continue
		}
		for id := range set {
			hits[id] = struct{}{}
		}
	}

	ids := make([]uuid.UUID, 0, len(hits))
	for id := range hits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ti, tj := ix.recency[ids[i]], ix.recency[ids[j]]
		if ti.Equal(tj) {
			return ids[i].String() < ids[j].String()
		}
		return ti.After(tj)
	})
	return ids
}

// size reports the number of indexed records.
func (ix *tokenIndex) size() int {
	return len(ix.byRecord)
}
