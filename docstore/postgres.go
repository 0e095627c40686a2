// Package docstore provides the Postgres-backed document store shared by
// the pipeline stages. Records live as JSONB documents in a single table,
// partitioned logically by collection name.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagefold/eventbus/messaging"
)

const defaultTable = "documents"

// PostgresStore implements messaging.DocumentStore on a pgx pool. The
// backing table holds one JSONB document per row:
//
//	CREATE TABLE documents (
//	    id         BIGSERIAL PRIMARY KEY,
//	    collection TEXT  NOT NULL,
//	    doc        JSONB NOT NULL
//	);
//	CREATE INDEX documents_collection_doc_idx
//	    ON documents USING gin (doc jsonb_path_ops);
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger
}

// StoreOption configures the PostgresStore.
type StoreOption func(*PostgresStore)

// WithTable overrides the backing table name.
func WithTable(table string) StoreOption {
	return func(s *PostgresStore) {
		s.table = table
	}
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *PostgresStore) {
		s.logger = logger
	}
}

// NewPostgresStore creates a store on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool, options ...StoreOption) *PostgresStore {
	s := &PostgresStore{
		pool:   pool,
		table:  defaultTable,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Query returns up to limit documents of a collection whose JSONB body
// contains the filter object.
func (s *PostgresStore) Query(ctx context.Context, collection string, filter map[string]any, limit int) ([]messaging.Record, error) {
	filterJSON, err := marshalFilter(filter)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(
		`SELECT doc FROM %s WHERE collection = $1 AND doc @> $2 LIMIT $3`,
		s.table,
	)

	rows, err := s.pool.Query(ctx, sql, collection, filterJSON, limit)
	if err != nil {
		return nil, fmt.Errorf("docstore query %s: %w", collection, err)
	}
	defer rows.Close()

	var records []messaging.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("docstore scan %s: %w", collection, err)
		}

		var rec messaging.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("docstore decode %s: %w", collection, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore query %s: %w", collection, err)
	}

	return records, nil
}

// Update merges the update object into every document of a collection that
// contains the filter object.
func (s *PostgresStore) Update(ctx context.Context, collection string, filter, update map[string]any) error {
	filterJSON, err := marshalFilter(filter)
	if err != nil {
		return err
	}

	updateJSON, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("docstore marshal update: %w", err)
	}

	sql := fmt.Sprintf(
		`UPDATE %s SET doc = doc || $3 WHERE collection = $1 AND doc @> $2`,
		s.table,
	)

	tag, err := s.pool.Exec(ctx, sql, collection, filterJSON, updateJSON)
	if err != nil {
		return fmt.Errorf("docstore update %s: %w", collection, err)
	}

	s.logger.Debug("docstore update",
		"collection", collection,
		"updated", tag.RowsAffected(),
	)
	return nil
}

func marshalFilter(filter map[string]any) ([]byte, error) {
	if filter == nil {
		filter = map[string]any{}
	}
	out, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("docstore marshal filter: %w", err)
	}
	return out, nil
}
