// Package quota is the admission-control layer in front of costed
// generation calls: it computes request cost, checks remaining allowance
// for a user's tier, and records actual usage after the call completes.
package quota

import (
	"context"
	"errors"
	"time"
)

// Tier names a billing tier.
type Tier string

const (
	TierFoundation  Tier = "foundation"
	TierDeepening   Tier = "deepening"
	TierFacilitator Tier = "facilitator"
)

// TierConfig carries the per-tier allowance and cost multiplier.
type TierConfig struct {
	AllowanceUnits int64
	// Multiplier scales request cost for the tier. Higher tiers get a
	// discount; the product is always rounded up before comparison.
	Multiplier float64
}

// DefaultTiers is the built-in tier table.
var DefaultTiers = map[Tier]TierConfig{
	TierFoundation:  {AllowanceUnits: 100, Multiplier: 1.0},
	TierDeepening:   {AllowanceUnits: 500, Multiplier: 1.0},
	TierFacilitator: {AllowanceUnits: 2000, Multiplier: 0.75},
}

// Quota is one user's allowance state for a billing period. ConsumedUnits
// is monotonically non-decreasing within a period and only moves through
// the usage-logging path.
type Quota struct {
	UserID         string    `json:"user_id"`
	Tier           Tier      `json:"tier"`
	PeriodStart    time.Time `json:"period_start"`
	ConsumedUnits  int64     `json:"consumed_units"`
	AllowanceUnits int64     `json:"allowance_units"`
}

// Remaining returns the unconsumed allowance.
func (q Quota) Remaining() int64 {
	r := q.AllowanceUnits - q.ConsumedUnits
	if r < 0 {
		return 0
	}
	return r
}

// RequestType categorizes costed operations.
type RequestType string

const (
	RequestChatText  RequestType = "chat-text"
	RequestChatVoice RequestType = "chat-voice"
)

// Entry is one immutable usage-log record.
type Entry struct {
	UserID       string      `json:"user_id"`
	RequestType  RequestType `json:"request_type"`
	Cost         int64       `json:"cost"`
	Timestamp    time.Time   `json:"timestamp"`
	InputTokens  int         `json:"input_tokens"`
	OutputTokens int         `json:"output_tokens"`
	Success      bool        `json:"success"`
}

// Decision is the structured admission result.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Quota   *Quota `json:"quota,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ErrNotFound is returned by stores when no quota record exists for a user.
var ErrNotFound = errors.New("quota record not found")

// Store is the persistence boundary for the ledger. AddUsage must append
// the entry and increment the period's consumed units atomically: two
// requests from the same user completing in close succession must not lose
// an update.
type Store interface {
	GetQuota(ctx context.Context, userID string) (*Quota, error)
	CreateQuota(ctx context.Context, q Quota) error
	// RolloverQuota resets consumed units for a new period. The reset is
	// conditional on the stored period still being the old one, so racing
	// rollovers collapse to a single reset.
	RolloverQuota(ctx context.Context, userID string, newPeriodStart time.Time) (*Quota, error)
	AddUsage(ctx context.Context, e Entry) error
	// UsageSince returns entries at or after since; empty userID means all
	// users.
	UsageSince(ctx context.Context, userID string, since time.Time) ([]Entry, error)
}

// PeriodStart returns the UTC calendar-month boundary containing now.
func PeriodStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
