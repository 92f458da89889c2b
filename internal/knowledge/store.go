// Package knowledge is the persistent cache of violation explanations.
//
// Records are keyed by (signature key, language) and written at most once
// per pair; feedback is an append-only ledger per signature. The Store keeps
// an in-memory index over a durable Backend so reads never touch disk.
package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"repair-service/internal/models"
	"repair-service/internal/signature"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultLanguage is used when a caller passes an empty language tag
const DefaultLanguage = "en"

// ErrClosed is returned by writes after Close
var ErrClosed = errors.New("knowledge store is closed")

// RawRecord is a record as persisted by a backend. Payload is opaque to
// the backend and decoded by the Store.
type RawRecord struct {
	SignatureKey string `db:"signature_key"`
	Language     string `db:"language"`
	Payload      []byte `db:"payload"`
}

// Backend is the durable storage behind a Store
type Backend interface {
	// PutIfAbsent stores the payload unless a record already exists for
	// (key, language). It reports whether the payload was written.
	PutIfAbsent(key, language string, payload []byte) (bool, error)
	LoadRecords() ([]RawRecord, error)
	AppendFeedback(entry models.FeedbackEntry) error
	LoadFeedback() ([]models.FeedbackEntry, error)
	Clear() error
	Close() error
}

// Entry is a cached record together with the signature it explains
type Entry struct {
	Signature signature.Signature      `json:"signature"`
	Language  string                   `json:"language"`
	Record    models.ExplanationRecord `json:"record"`
}

// Stats summarizes the store contents
type Stats struct {
	Records  int `json:"records"`
	Feedback int `json:"feedback"`
}

// Store is safe for concurrent use. Writers are serialized by a single
// writer lock; readers only ever observe fully published entries.
type Store struct {
	backend Backend
	logger  *zap.Logger

	writeMu sync.Mutex
	closed  bool

	mu       sync.RWMutex
	records  map[string]Entry
	feedback map[string][]models.FeedbackEntry
}

// Open loads every readable entry from the backend. Corrupt records are
// logged and skipped.
func Open(backend Backend, logger *zap.Logger) (*Store, error) {
	s := &Store{
		backend:  backend,
		logger:   logger.With(zap.String("component", "knowledge")),
		records:  make(map[string]Entry),
		feedback: make(map[string][]models.FeedbackEntry),
	}

	raws, err := backend.LoadRecords()
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	for _, raw := range raws {
		var e Entry
		if err := json.Unmarshal(raw.Payload, &e); err != nil {
			s.logger.Warn("Skipping corrupt record",
				zap.String("signature_key", raw.SignatureKey),
				zap.String("language", raw.Language),
				zap.Error(err))
			continue
		}
		if e.Signature.Key() != raw.SignatureKey {
			s.logger.Warn("Skipping record with mismatched signature",
				zap.String("signature_key", raw.SignatureKey),
				zap.String("language", raw.Language))
			continue
		}
		e.Language = raw.Language
		s.records[compositeKey(raw.SignatureKey, raw.Language)] = e
	}

	entries, err := backend.LoadFeedback()
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}
	for _, fe := range entries {
		s.feedback[fe.SignatureKey] = append(s.feedback[fe.SignatureKey], fe)
	}

	s.logger.Info("Knowledge store loaded",
		zap.Int("records", len(s.records)),
		zap.Int("feedback", len(entries)))

	return s, nil
}

func compositeKey(sigKey, language string) string {
	return sigKey + ":" + language
}

func normalizeLanguage(language string) string {
	if language == "" {
		return DefaultLanguage
	}
	return language
}

// Has reports whether a record exists for the signature and language
func (s *Store) Has(sig signature.Signature, language string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[compositeKey(sig.Key(), normalizeLanguage(language))]
	return ok
}

// Get returns a copy of the record for the signature and language
func (s *Store) Get(sig signature.Signature, language string) (models.ExplanationRecord, bool) {
	s.mu.RLock()
	e, ok := s.records[compositeKey(sig.Key(), normalizeLanguage(language))]
	s.mu.RUnlock()
	if !ok {
		return models.ExplanationRecord{}, false
	}
	return copyRecord(e.Record), true
}

// Put stores the record unless one already exists for the signature and
// language. The first writer wins; later calls are no-ops that report false.
func (s *Store) Put(sig signature.Signature, language string, rec models.ExplanationRecord) (bool, error) {
	language = normalizeLanguage(language)
	key := sig.Key()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	if s.Has(sig, language) {
		return false, nil
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	e := Entry{Signature: sig, Language: language, Record: copyRecord(rec)}

	payload, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("failed to encode record: %w", err)
	}

	written, err := s.backend.PutIfAbsent(key, language, payload)
	if err != nil {
		return false, fmt.Errorf("failed to persist record: %w", err)
	}
	if !written {
		// another process sharing the backend got there first
		s.logger.Debug("Record already persisted", zap.String("signature_key", key), zap.String("language", language))
		return false, nil
	}

	s.mu.Lock()
	s.records[compositeKey(key, language)] = e
	s.mu.Unlock()

	return true, nil
}

// AddFeedback appends a decision to the signature's ledger. The entry is
// always recorded in memory; a durable append failure is returned.
func (s *Store) AddFeedback(sig signature.Signature, repairStatement string, action models.FeedbackAction) (models.FeedbackEntry, error) {
	entry := models.FeedbackEntry{
		ID:              uuid.New().String(),
		SignatureKey:    sig.Key(),
		Action:          action,
		RepairStatement: repairStatement,
		CreatedAt:       time.Now().UTC(),
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var persistErr error
	if s.closed {
		persistErr = ErrClosed
	} else if err := s.backend.AppendFeedback(entry); err != nil {
		persistErr = fmt.Errorf("failed to persist feedback: %w", err)
	}

	s.mu.Lock()
	s.feedback[entry.SignatureKey] = append(s.feedback[entry.SignatureKey], entry)
	s.mu.Unlock()

	if persistErr != nil {
		s.logger.Error("Feedback kept in memory only",
			zap.String("signature_key", entry.SignatureKey),
			zap.Error(persistErr))
	}
	return entry, persistErr
}

// GetFeedback returns the signature's ledger in append order
func (s *Store) GetFeedback(sig signature.Signature) []models.FeedbackEntry {
	return s.FeedbackByKey(sig.Key())
}

// FeedbackByKey returns the ledger for a signature key in append order
func (s *Store) FeedbackByKey(key string) []models.FeedbackEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.feedback[key]
	out := make([]models.FeedbackEntry, len(entries))
	copy(out, entries)
	return out
}

// Clear destroys every record and feedback entry
func (s *Store) Clear() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.backend.Clear(); err != nil {
		return fmt.Errorf("failed to clear backend: %w", err)
	}

	s.mu.Lock()
	s.records = make(map[string]Entry)
	s.feedback = make(map[string][]models.FeedbackEntry)
	s.mu.Unlock()

	s.logger.Warn("Knowledge store cleared")
	return nil
}

// Stats returns record and feedback counts
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, entries := range s.feedback {
		n += len(entries)
	}
	return Stats{Records: len(s.records), Feedback: n}
}

// Entries returns every cached record ordered by signature key and language
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.records))
	for _, e := range s.records {
		e.Record = copyRecord(e.Record)
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ki, kj := out[i].Signature.Key(), out[j].Signature.Key()
		if ki != kj {
			return ki < kj
		}
		return out[i].Language < out[j].Language
	})
	return out
}

// AllFeedback returns every ledger entry ordered by creation time
func (s *Store) AllFeedback() []models.FeedbackEntry {
	s.mu.RLock()
	var out []models.FeedbackEntry
	for _, entries := range s.feedback {
		out = append(out, entries...)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close releases the backend
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.backend.Close()
}

func copyRecord(rec models.ExplanationRecord) models.ExplanationRecord {
	if rec.Suggestions != nil {
		rec.Suggestions = append([]string(nil), rec.Suggestions...)
	}
	return rec
}
