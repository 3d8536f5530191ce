package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

//go:embed sql/*.sql
var schemaFiles embed.FS

// Database dialects the schema manager knows
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// requiredTables are the tables the session store reads and writes
var requiredTables = []string{
	"sessions",
	"session_activities",
	"login_history",
	"session_policies",
}

// SchemaManager creates and validates the session store schema
type SchemaManager struct {
	db      *sql.DB
	dialect string
}

// NewSchemaManager creates a new schema manager
func NewSchemaManager(db *sql.DB, dialect string) *SchemaManager {
	return &SchemaManager{db: db, dialect: dialect}
}

// EnsureSchema creates any missing tables and indexes. Statements are idempotent.
func (sm *SchemaManager) EnsureSchema(ctx context.Context) error {
	var schemaFile string
	switch sm.dialect {
	case DialectSQLite:
		schemaFile = "sql/sqlite.sql"
	case DialectPostgres:
		schemaFile = "sql/postgres.sql"
	default:
		return fmt.Errorf("unsupported database type: %s", sm.dialect)
	}

	schemaSQL, err := schemaFiles.ReadFile(schemaFile)
	if err != nil {
		return fmt.Errorf("failed to read schema file %s: %w", schemaFile, err)
	}

	for _, stmt := range strings.Split(string(schemaSQL), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := sm.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	slog.Debug("Session store schema ensured", "database_type", sm.dialect)
	return nil
}

// tableExists checks if a table exists in the database
func (sm *SchemaManager) tableExists(ctx context.Context, tableName string) (bool, error) {
	var query string
	switch sm.dialect {
	case DialectSQLite:
		query = `SELECT name FROM sqlite_master WHERE type='table' AND name = ?`
	case DialectPostgres:
		query = `SELECT table_name FROM information_schema.tables
		         WHERE table_schema = current_schema() AND table_name = $1`
	default:
		return false, fmt.Errorf("unsupported database type: %s", sm.dialect)
	}

	var foundTable string
	err := sm.db.QueryRowContext(ctx, query, tableName).Scan(&foundTable)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return foundTable == tableName, nil
}

// ValidateSchema reports every required table that is missing
func (sm *SchemaManager) ValidateSchema(ctx context.Context) error {
	var missingTables []string
	for _, tableName := range requiredTables {
		exists, err := sm.tableExists(ctx, tableName)
		if err != nil {
			return fmt.Errorf("failed to check if table %s exists: %w", tableName, err)
		}
		if !exists {
			missingTables = append(missingTables, tableName)
		}
	}

	if len(missingTables) > 0 {
		return fmt.Errorf("schema validation failed: missing tables %s", strings.Join(missingTables, ", "))
	}
	return nil
}
