package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertMemory writes a long-term note, replacing any previous value under
// the same key. created_at survives updates.
func (s *Store) UpsertMemory(ctx context.Context, e *MemoryEntry) error {
	now := utcNow()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_memory (key, value, category, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (key) DO UPDATE SET
		     value = EXCLUDED.value,
		     category = EXCLUDED.category,
		     metadata = EXCLUDED.metadata,
		     updated_at = EXCLUDED.updated_at`,
		e.Key, e.Value, e.Category, marshalMeta(e.Metadata), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

// Memory reads one note by key.
func (s *Store) Memory(ctx context.Context, key string) (*MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, value, category, metadata, created_at, updated_at FROM agent_memory WHERE key = $1`, key)
	return scanMemory(row)
}

// MemoryByCategory lists notes in a category, newest first.
func (s *Store) MemoryByCategory(ctx context.Context, category string) ([]*MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, category, metadata, created_at, updated_at FROM agent_memory
		 WHERE category = $1 ORDER BY updated_at DESC, key`, category)
	if err != nil {
		return nil, fmt.Errorf("memory by category: %w", err)
	}
	defer rows.Close()
	var out []*MemoryEntry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteMemory removes a note. Missing keys are not an error.
func (s *Store) DeleteMemory(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_memory WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return nil
}

func scanMemory(row interface{ Scan(...any) error }) (*MemoryEntry, error) {
	var e MemoryEntry
	var meta []byte
	err := row.Scan(&e.Key, &e.Value, &e.Category, &meta, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	e.Metadata = unmarshalMeta(meta)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}
