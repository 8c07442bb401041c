// Package ledger tracks model token spend. Entries are append-only; the
// proactive daily budget is derived by aggregation over the UTC day.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relay/internal/store"
)

// modelPrice is USD per million tokens.
type modelPrice struct {
	inPerM  float64
	outPerM float64
}

// pricing maps model-name prefixes to prices. Unknown models record zero
// cost; token accounting still applies.
var pricing = map[string]modelPrice{
	"claude-opus":    {15.00, 75.00},
	"claude-sonnet":  {3.00, 15.00},
	"claude-haiku":   {0.80, 4.00},
	"gpt-4o":         {2.50, 10.00},
	"gpt-4o-mini":    {0.15, 0.60},
}

// BudgetStatus reports proactive spend against the daily cap.
type BudgetStatus struct {
	Used       int64
	Remaining  int64
	UsageRatio float64
}

// Service records usage and answers budget queries.
type Service struct {
	store         *store.Store
	dailyLimit    int64
	warnThreshold int
	logger        *slog.Logger
}

// New creates a ledger service. dailyLimit caps proactive tokens per UTC
// day; warnThreshold flags unusually large single reactive calls.
func New(st *store.Store, dailyLimit int64, warnThreshold int, logger *slog.Logger) *Service {
	return &Service{store: st, dailyLimit: dailyLimit, warnThreshold: warnThreshold, logger: logger}
}

// Record appends one model call to the ledger.
func (s *Service) Record(ctx context.Context, scope store.LedgerScope, provider, model string, tokensIn, tokensOut int, meta map[string]string) error {
	entry := &store.LedgerEntry{
		Scope:       scope,
		Provider:    provider,
		Model:       model,
		TokensIn:    int64(tokensIn),
		TokensOut:   int64(tokensOut),
		TokensTotal: int64(tokensIn + tokensOut),
		Cost:        Cost(model, tokensIn, tokensOut),
		Meta:        meta,
	}
	if err := s.store.AppendLedger(ctx, entry); err != nil {
		return fmt.Errorf("ledger record: %w", err)
	}

	if scope == store.ScopeReactive && s.warnThreshold > 0 && tokensIn+tokensOut > s.warnThreshold {
		s.logger.Warn("large reactive call",
			"model", model,
			"tokens", tokensIn+tokensOut,
			"threshold", s.warnThreshold)
	}
	return nil
}

// BudgetStatus returns proactive usage for the UTC day containing at.
func (s *Service) BudgetStatus(ctx context.Context, at time.Time) (BudgetStatus, error) {
	used, _, err := s.store.UsageForDay(ctx, store.ScopeProactive, at)
	if err != nil {
		return BudgetStatus{}, fmt.Errorf("budget status: %w", err)
	}
	remaining := s.dailyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	ratio := 0.0
	if s.dailyLimit > 0 {
		ratio = float64(used) / float64(s.dailyLimit)
	}
	return BudgetStatus{Used: used, Remaining: remaining, UsageRatio: ratio}, nil
}

// DailyLimit returns the configured cap.
func (s *Service) DailyLimit() int64 { return s.dailyLimit }

// Cost computes the USD cost of one call, rounded to a millionth of a
// dollar so stored values round-trip exactly.
func Cost(model string, tokensIn, tokensOut int) float64 {
	price, ok := priceFor(model)
	if !ok {
		return 0
	}
	cost := float64(tokensIn)/1e6*price.inPerM + float64(tokensOut)/1e6*price.outPerM
	return math.Round(cost*1e6) / 1e6
}

func priceFor(model string) (modelPrice, bool) {
	// Longest prefix wins: "gpt-4o-mini" over "gpt-4o".
	var best string
	var found modelPrice
	for prefix, p := range pricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
			found = p
		}
	}
	return found, best != ""
}
