package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Gate is the admission-control front for the usage ledger.
type Gate struct {
	store  Store
	tiers  map[Tier]TierConfig
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock injects the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithTiers overrides the tier table.
func WithTiers(tiers map[Tier]TierConfig) Option {
	return func(g *Gate) { g.tiers = tiers }
}

// NewGate creates a Gate over store.
func NewGate(store Store, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		store:  store,
		tiers:  DefaultTiers,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TierConfig returns the config for a tier, falling back to foundation for
// unknown tiers so a bad tier string can never grant unlimited allowance.
func (g *Gate) TierConfig(t Tier) TierConfig {
	if cfg, ok := g.tiers[t]; ok {
		return cfg
	}
	return g.tiers[TierFoundation]
}

// CostFor computes the cost of a request for the user's tier. The quota
// record supplies the tier; when it cannot be loaded the foundation
// multiplier applies (the admission check will fail closed anyway).
func (g *Gate) CostFor(ctx context.Context, userID string, t RequestType, size int) int64 {
	tier := TierFoundation
	if q, err := g.currentQuota(ctx, userID); err == nil {
		tier = q.Tier
	}
	return Cost(t, size, g.TierConfig(tier))
}

// Check decides whether a request with the given estimated cost may
// proceed. The boundary is inclusive: consuming exactly up to the allowance
// is permitted. The gate fails closed when the quota record is missing or
// the store errors; silently permitting unlimited usage defeats the
// component's purpose.
func (g *Gate) Check(ctx context.Context, userID string, estimatedCost int64) Decision {
	q, err := g.currentQuota(ctx, userID)
	if err != nil {
		reason := "quota record unavailable"
		if err == ErrNotFound {
			reason = "no quota record for user"
		} else {
			g.logger.Error("quota check failed closed", "user_id", userID, "error", err)
		}
		return Decision{Allowed: false, Reason: reason}
	}

	if q.ConsumedUnits+estimatedCost > q.AllowanceUnits {
		return Decision{
			Allowed: false,
			Quota:   q,
			Reason: fmt.Sprintf("%s allowance exceeded: %d of %d units used, request needs %d",
				q.Tier, q.ConsumedUnits, q.AllowanceUnits, estimatedCost),
		}
	}
	return Decision{Allowed: true, Quota: q}
}

// LogUsage appends an immutable usage record and atomically increments the
// user's consumed units. Call strictly after the costed operation has
// completed; the entry reflects actual cost, which for failed calls may be
// zero.
func (g *Gate) LogUsage(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = g.now()
	}
	if err := g.store.AddUsage(ctx, e); err != nil {
		return fmt.Errorf("log usage: %w", err)
	}
	return nil
}

// Ensure provisions a quota record for the user at the given tier if none
// exists. Idempotent; an existing record (any tier) is left untouched.
func (g *Gate) Ensure(ctx context.Context, userID string, tier Tier) error {
	_, err := g.store.GetQuota(ctx, userID)
	if err == nil {
		return nil
	}
	if err != ErrNotFound {
		return fmt.Errorf("ensure quota: %w", err)
	}
	cfg := g.TierConfig(tier)
	q := Quota{
		UserID:         userID,
		Tier:           tier,
		PeriodStart:    PeriodStart(g.now()),
		ConsumedUnits:  0,
		AllowanceUnits: cfg.AllowanceUnits,
	}
	if err := g.store.CreateQuota(ctx, q); err != nil {
		return fmt.Errorf("ensure quota: %w", err)
	}
	return nil
}

// currentQuota loads the user's quota, rolling it over to the current
// period when the stored period has ended.
func (g *Gate) currentQuota(ctx context.Context, userID string) (*Quota, error) {
	q, err := g.store.GetQuota(ctx, userID)
	if err != nil {
		return nil, err
	}
	current := PeriodStart(g.now())
	if q.PeriodStart.Before(current) {
		rolled, err := g.store.RolloverQuota(ctx, userID, current)
		if err != nil {
			return nil, err
		}
		return rolled, nil
	}
	return q, nil
}

// Summary aggregates usage over a trailing window. Reporting-only.
type Summary struct {
	UserID       string                `json:"user_id,omitempty"`
	Days         int                   `json:"days"`
	Requests     int                   `json:"requests"`
	Failures     int                   `json:"failures"`
	TotalCost    int64                 `json:"total_cost"`
	InputTokens  int64                 `json:"input_tokens"`
	OutputTokens int64                 `json:"output_tokens"`
	ByType       map[RequestType]int64 `json:"by_type"`
}

// UserSummary aggregates one user's usage for the trailing days window.
func (g *Gate) UserSummary(ctx context.Context, userID string, days int) (Summary, error) {
	return g.summarize(ctx, userID, days)
}

// SystemSummary aggregates all usage for the trailing days window.
func (g *Gate) SystemSummary(ctx context.Context, days int) (Summary, error) {
	return g.summarize(ctx, "", days)
}

func (g *Gate) summarize(ctx context.Context, userID string, days int) (Summary, error) {
	if days <= 0 {
		days = 30
	}
	since := g.now().Add(-time.Duration(days) * 24 * time.Hour)
	entries, err := g.store.UsageSince(ctx, userID, since)
	if err != nil {
		return Summary{}, fmt.Errorf("usage summary: %w", err)
	}

	s := Summary{
		UserID: userID,
		Days:   days,
		ByType: make(map[RequestType]int64),
	}
	for _, e := range entries {
		s.Requests++
		if !e.Success {
			s.Failures++
		}
		s.TotalCost += e.Cost
		s.InputTokens += int64(e.InputTokens)
		s.OutputTokens += int64(e.OutputTokens)
		s.ByType[e.RequestType] += e.Cost
	}
	return s, nil
}
