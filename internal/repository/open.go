// Package repository holds the durable backends behind the knowledge store
package repository

import (
	"fmt"

	"repair-service/internal/knowledge"

	"go.uber.org/zap"
)

// Backend types accepted by Open
const (
	TypeSQLite = "sqlite"
	TypeBadger = "badger"
)

// Open creates the backend named by kind
func Open(kind, path string, logger *zap.Logger) (knowledge.Backend, error) {
	switch kind {
	case "", TypeSQLite:
		return NewSQLiteBackend(path, logger)
	case TypeBadger:
		return NewBadgerBackend(BadgerConfig{Path: path, SyncWrites: true}, logger)
	default:
		return nil, fmt.Errorf("unknown database type: %s", kind)
	}
}
