package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"repair-service/internal/knowledge"
	"repair-service/internal/models"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	recordPrefix   = "rec/"
	feedbackPrefix = "fb/"
)

// BadgerConfig configures the embedded key-value backend
type BadgerConfig struct {
	// Path is the data directory; ignored when InMemory is set
	Path       string
	InMemory   bool
	SyncWrites bool
}

// BadgerBackend persists knowledge records and feedback in BadgerDB.
//
// Records live under rec/<signature key>/<language>; feedback entries under
// fb/<signature key>/<unix nanos>/<id> so a prefix scan returns a
// signature's ledger in append order.
type BadgerBackend struct {
	db     *badger.DB
	logger *zap.Logger
}

var _ knowledge.Backend = (*BadgerBackend)(nil)

// badgerLogger adapts zap to BadgerDB's Logger interface
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(strings.TrimSpace(format), args...)
}

// NewBadgerBackend opens (or creates) a BadgerDB instance
func NewBadgerBackend(cfg BadgerConfig, logger *zap.Logger) (*BadgerBackend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Info("Badger knowledge backend initialized",
		zap.String("path", cfg.Path),
		zap.Bool("in_memory", cfg.InMemory))

	return &BadgerBackend{db: db, logger: logger}, nil
}

func recordKey(key, language string) []byte {
	return []byte(recordPrefix + key + "/" + language)
}

// PutIfAbsent implements knowledge.Backend
func (b *BadgerBackend) PutIfAbsent(key, language string, payload []byte) (bool, error) {
	k := recordKey(key, language)

	for {
		written := false
		err := b.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(k)
			if err == nil {
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			written = true
			return txn.Set(k, payload)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to save record: %w", err)
		}
		return written, nil
	}
}

// LoadRecords implements knowledge.Backend
func (b *BadgerBackend) LoadRecords() ([]knowledge.RawRecord, error) {
	var records []knowledge.RawRecord

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			rest := strings.TrimPrefix(string(item.Key()), recordPrefix)
			sigKey, language, ok := strings.Cut(rest, "/")
			if !ok {
				b.logger.Warn("Skipping record with malformed key", zap.String("key", string(item.Key())))
				continue
			}

			payload, err := item.ValueCopy(nil)
			if err != nil {
				b.logger.Warn("Skipping unreadable record", zap.String("key", string(item.Key())), zap.Error(err))
				continue
			}

			records = append(records, knowledge.RawRecord{
				SignatureKey: sigKey,
				Language:     language,
				Payload:      payload,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}

	return records, nil
}

// AppendFeedback implements knowledge.Backend
func (b *BadgerBackend) AppendFeedback(entry models.FeedbackEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode feedback: %w", err)
	}

	k := fmt.Sprintf("%s%s/%020d/%s", feedbackPrefix, entry.SignatureKey, entry.CreatedAt.UnixNano(), entry.ID)
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(k), value)
	})
	if err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	return nil
}

// LoadFeedback implements knowledge.Backend. Entries that fail to decode
// are logged and skipped.
func (b *BadgerBackend) LoadFeedback() ([]models.FeedbackEntry, error) {
	var entries []models.FeedbackEntry

	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(feedbackPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var entry models.FeedbackEntry
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				b.logger.Warn("Skipping corrupt feedback entry", zap.String("key", string(item.Key())), zap.Error(err))
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan feedback: %w", err)
	}

	return entries, nil
}

// Clear implements knowledge.Backend
func (b *BadgerBackend) Clear() error {
	if err := b.db.DropAll(); err != nil {
		return fmt.Errorf("failed to drop data: %w", err)
	}
	return nil
}

// Close closes the database
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
