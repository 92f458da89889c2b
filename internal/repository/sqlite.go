package repository

import (
	"embed"
	"errors"
	"fmt"
	"time"

	"repair-service/internal/knowledge"
	"repair-service/internal/models"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteBackend persists knowledge records and feedback in a SQLite file
type SQLiteBackend struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ knowledge.Backend = (*SQLiteBackend)(nil)

// NewSQLiteBackend opens the database and runs pending migrations
func NewSQLiteBackend(dbPath string, logger *zap.Logger) (*SQLiteBackend, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps :memory: databases alive
	db.SetMaxOpenConns(1)

	repo := &SQLiteBackend{
		db:     db,
		logger: logger,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("SQLite knowledge backend initialized", zap.String("db_path", dbPath))

	return repo, nil
}

func (r *SQLiteBackend) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(r.db.DB, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// PutIfAbsent implements knowledge.Backend
func (r *SQLiteBackend) PutIfAbsent(key, language string, payload []byte) (bool, error) {
	query := `
		INSERT OR IGNORE INTO explanations (signature_key, language, payload, created_at)
		VALUES (?, ?, ?, ?)
	`

	result, err := r.db.Exec(query, key, language, string(payload), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to save record: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// LoadRecords implements knowledge.Backend
func (r *SQLiteBackend) LoadRecords() ([]knowledge.RawRecord, error) {
	var records []knowledge.RawRecord
	query := `SELECT signature_key, language, payload FROM explanations ORDER BY created_at`
	if err := r.db.Select(&records, query); err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	return records, nil
}

// AppendFeedback implements knowledge.Backend
func (r *SQLiteBackend) AppendFeedback(entry models.FeedbackEntry) error {
	query := `
		INSERT INTO feedback (id, signature_key, action, repair_statement, created_at)
		VALUES (:id, :signature_key, :action, :repair_statement, :created_at)
	`
	if _, err := r.db.NamedExec(query, entry); err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	return nil
}

// LoadFeedback implements knowledge.Backend. Rows that cannot be scanned
// are logged and skipped.
func (r *SQLiteBackend) LoadFeedback() ([]models.FeedbackEntry, error) {
	query := `
		SELECT id, signature_key, action, repair_statement, created_at
		FROM feedback
		ORDER BY created_at, rowid
	`

	rows, err := r.db.Queryx(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var entries []models.FeedbackEntry
	for rows.Next() {
		var entry models.FeedbackEntry
		if err := rows.StructScan(&entry); err != nil {
			r.logger.Warn("Skipping unreadable feedback row", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// Clear implements knowledge.Backend
func (r *SQLiteBackend) Clear() error {
	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM explanations`); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM feedback`); err != nil {
		return fmt.Errorf("failed to clear feedback: %w", err)
	}

	return tx.Commit()
}

// Close closes the database connection
func (r *SQLiteBackend) Close() error {
	return r.db.Close()
}
