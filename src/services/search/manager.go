package search

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/questlog/vault-api/src/models"
	"github.com/questlog/vault-api/src/services/security"
)

// ErrIndexRebuild marks a rebuild that could not complete. Non-fatal: the
// session stays usable and the rebuild is retried on the next unlock or an
// explicit refresh.
var ErrIndexRebuild = errors.New("search index rebuild failed")

// ErrIndexUnavailable is returned by Query when no index exists, which only
// happens outside an unlocked session.
var ErrIndexUnavailable = errors.New("search index unavailable")

// DecryptFunc resolves a record to plaintext. The manager never sees a key;
// decryption is mediated by the session owner.
type DecryptFunc func(ctx context.Context, rec *models.VaultRecord) ([]byte, error)

// SkippedRecord reports one record excluded from a rebuild, classified by the
// error taxonomy so callers can surface "may be corrupted" distinctly from
// "needs a newer build".
type SkippedRecord struct {
	RecordID uuid.UUID `json:"record_id"`
	Reason   string    `json:"reason"`
}

// RebuildReport summarizes a completed rebuild.
type RebuildReport struct {
	Indexed int             `json:"indexed"`
	Skipped []SkippedRecord `json:"skipped,omitempty"`
}

// Manager owns one session's token index. The index exists only between
// unlock and lock: Rebuild populates it from freshly decrypted records,
// Teardown discards it synchronously and cancels any rebuild still running.
//
// Rebuilds follow a single-writer discipline: concurrent Rebuild calls
// serialize on a rebuild lock, each builds into a fresh index and swaps it in
// atomically, so an interleaving can delay a rebuild but never corrupt the
// visible index.
type Manager struct {
	logger *logrus.Logger

	rebuildMu sync.Mutex

	mu     sync.RWMutex
	idx    *tokenIndex
	cancel context.CancelFunc
	torn   bool
}

// NewManager creates a manager with no index; Rebuild must run before Query
// returns anything.
func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{logger: logger}
}

// Rebuild decrypts every record and builds a fresh token index. Per-record
// failures are isolated: a record that fails to decrypt or references an
// unknown policy version is skipped and reported, never aborting the rebuild.
// Cancellation (lock mid-rebuild, caller timeout) discards the partial index.
func (m *Manager) Rebuild(ctx context.Context, records []models.VaultRecord, decrypt DecryptFunc) (*RebuildReport, error) {
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return nil, ErrIndexRebuild
	}
	m.cancel = cancel
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.cancel = nil
		m.mu.Unlock()
	}()

	fresh := newTokenIndex()
	report := &RebuildReport{}

	for i := range records {
		if err := rctx.Err(); err != nil {
			// Partial index is discarded with this stack frame.
			return nil, ErrIndexRebuild
		}

		rec := &records[i]
		plaintext, err := decrypt(rctx, rec)
		if err != nil {
			report.Skipped = append(report.Skipped, SkippedRecord{
				RecordID: rec.ID,
				Reason:   classifySkip(err),
			})
			m.logger.WithFields(logrus.Fields{
				"record_id": rec.ID,
				"reason":    classifySkip(err),
			}).Warn("Record skipped during index rebuild")
			continue
		}

		fresh.add(rec.ID, string(plaintext), rec.UpdatedAt)
		security.WipeBytes(plaintext)
		report.Indexed++
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.torn || rctx.Err() != nil {
		return nil, ErrIndexRebuild
	}
	m.idx = fresh
	return report, nil
}

// classifySkip maps a decrypt failure to a stable reason string.
func classifySkip(err error) string {
	switch {
	case errors.Is(err, security.ErrTamperDetected):
		return "tamper_detected"
	case errors.Is(err, security.ErrPolicyVersionUnsupported):
		return "policy_version_unsupported"
	default:
		return "decrypt_failed"
	}
}

// Index adds or refreshes one record incrementally, without a full rebuild.
// No-op when no index exists (locked session).
func (m *Manager) Index(recordID uuid.UUID, plaintext string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idx == nil {
		return
	}
	m.idx.add(recordID, plaintext, at)
}

// Remove drops one record from the index.
func (m *Manager) Remove(recordID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.idx == nil {
		return
	}
	m.idx.remove(recordID)
}

// Query returns record ids whose plaintext contains a token with the given
// prefix, newest first. Operates purely on the in-memory index; no store
// round-trip, no plaintext leaves the manager.
func (m *Manager) Query(term string) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.idx == nil {
		return nil, ErrIndexUnavailable
	}
	return m.idx.query(term), nil
}

// Size reports how many records are currently indexed.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.idx == nil {
		return 0
	}
	return m.idx.size()
}

// Teardown cancels any in-flight rebuild and discards the index. It returns
// only after the rebuild has stopped and the index is gone, so the caller's
// lock transition is complete when this returns. The manager is dead
// afterwards; a new unlock gets a new manager.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.torn = true
	if m.cancel != nil {
		m.cancel()
	}
	m.idx = nil
	m.mu.Unlock()

	// Wait for an in-flight rebuild to observe the cancellation and unwind.
	m.rebuildMu.Lock()
	m.rebuildMu.Unlock()
}
