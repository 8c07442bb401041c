package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendLedger records one model call. The ledger is append-only; totals are
// derived by aggregation, never mutated in place.
func (s *Store) AppendLedger(ctx context.Context, e *LedgerEntry) error {
	if e.ID == uuid.Nil {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = utcNow()
	}
	if e.TokensTotal == 0 {
		e.TokensTotal = e.TokensIn + e.TokensOut
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, scope, provider, model, tokens_in, tokens_out, tokens_total, cost, meta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID.String(), e.Scope, e.Provider, e.Model, e.TokensIn, e.TokensOut, e.TokensTotal, e.Cost, marshalMeta(e.Meta), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

// UsageForWindow sums tokens and cost for a scope over [from, to).
func (s *Store) UsageForWindow(ctx context.Context, scope LedgerScope, from, to time.Time) (int64, float64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(tokens_total), 0), COALESCE(SUM(cost), 0)
		 FROM ledger_entries WHERE scope = $1 AND created_at >= $2 AND created_at < $3`,
		scope, from.UTC(), to.UTC())
	var tokens int64
	var cost float64
	if err := row.Scan(&tokens, &cost); err != nil {
		return 0, 0, fmt.Errorf("usage for window: %w", err)
	}
	return tokens, cost, nil
}

// UsageForDay sums a scope's spend for the UTC calendar day containing at.
// The proactive budget resets at UTC midnight, so the window is day-aligned.
func (s *Store) UsageForDay(ctx context.Context, scope LedgerScope, at time.Time) (int64, float64, error) {
	day := at.UTC().Truncate(24 * time.Hour)
	return s.UsageForWindow(ctx, scope, day, day.Add(24*time.Hour))
}

// RecentLedger returns the newest limit entries, newest first. Operator
// surface for spend inspection.
func (s *Store) RecentLedger(ctx context.Context, limit int) ([]*LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, provider, model, tokens_in, tokens_out, tokens_total, cost, meta, created_at
		 FROM ledger_entries ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent ledger: %w", err)
	}
	defer rows.Close()

	var out []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Scope, &e.Provider, &e.Model, &e.TokensIn, &e.TokensOut,
			&e.TokensTotal, &e.Cost, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		e.Meta = unmarshalMeta(meta)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}
