package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/Hibiki/internal/hibiki/cache"
)

// Feature is a metered capability.
type Feature string

// Quota features, keyed by the names plans use.
const (
	FeatureMessages             Feature = "messagesPerDay"
	FeatureAIResponses          Feature = "aiResponsesPerDay"
	FeatureTranscriptionMinutes Feature = "audioTranscriptionMinutesPerMonth"
	FeatureImageAnalyses        Feature = "imageAnalysisPerMonth"
	FeatureStorageGB            Feature = "storageGB"
)

// Features lists every quota feature in display order.
var Features = []Feature{
	FeatureMessages,
	FeatureAIResponses,
	FeatureTranscriptionMinutes,
	FeatureImageAnalyses,
	FeatureStorageGB,
}

// Unlimited is the plan limit that disables a quota.
const Unlimited int64 = -1

// Period is how often a feature's counter resets.
type Period int

const (
	Daily Period = iota
	Monthly
	Lifetime
)

// Period returns the reset period of f.
func (f Feature) Period() Period {
	switch f {
	case FeatureMessages, FeatureAIResponses:
		return Daily
	case FeatureTranscriptionMinutes, FeatureImageAnalyses:
		return Monthly
	default:
		return Lifetime
	}
}

// Plan is a named set of feature limits.
type Plan struct {
	Name        string
	DisplayName string
	Price       string
	Limits      map[Feature]int64
}

// Limit returns the plan's limit for f. Features the plan does not mention
// are unlimited.
func (p Plan) Limit(f Feature) int64 {
	if v, ok := p.Limits[f]; ok {
		return v
	}
	return Unlimited
}

// PlanResolver finds the plan a subscriber is on.
type PlanResolver interface {
	PlanFor(ctx context.Context, subscriberID string) (Plan, error)
}

// PlanFunc adapts a function to PlanResolver.
type PlanFunc func(ctx context.Context, subscriberID string) (Plan, error)

// PlanFor implements PlanResolver.
func (f PlanFunc) PlanFor(ctx context.Context, subscriberID string) (Plan, error) {
	return f(ctx, subscriberID)
}

// ErrNoPlans is returned by quota operations on a Guard built without a
// PlanResolver.
var ErrNoPlans = errors.New("guard: no plan resolver configured")

// QuotaStatus describes a subscriber's standing on one feature.
type QuotaStatus struct {
	Feature   Feature
	Allowed   bool
	Limit     int64 // Unlimited for no ceiling
	Used      int64
	Remaining int64 // Unlimited for no ceiling
	ResetsAt  time.Time
}

// Unlimited reports whether the feature has no ceiling.
func (q QuotaStatus) Unlimited() bool { return q.Limit == Unlimited }

type usageRecord struct {
	Used     int64
	ResetsAt time.Time // zero: never
}

func quotaKey(subscriberID string, f Feature) string {
	return "quota:" + subscriberID + ":" + string(f)
}

// CheckQuota reports whether amount more units of feature fit in the
// subscriber's plan. It never writes: a counter whose reset boundary has
// passed is reported as zero without being rewritten.
func (g *Guard) CheckQuota(ctx context.Context, subscriberID string, f Feature, amount int64) (QuotaStatus, error) {
	plan, err := g.planFor(ctx, subscriberID)
	if err != nil {
		return QuotaStatus{}, err
	}
	limit := plan.Limit(f)
	if limit == Unlimited {
		return QuotaStatus{Feature: f, Allowed: true, Limit: Unlimited, Remaining: Unlimited}, nil
	}

	rec, err := g.loadUsage(ctx, subscriberID, f)
	if err != nil {
		return QuotaStatus{}, err
	}
	return quotaStatus(f, limit, rec, amount), nil
}

// IncrementUsage adds amount to the subscriber's counter for feature,
// resetting it first if its boundary has passed. Usage of unlimited
// features is still recorded so it can be reported.
func (g *Guard) IncrementUsage(ctx context.Context, subscriberID string, f Feature, amount int64) (QuotaStatus, error) {
	plan, err := g.planFor(ctx, subscriberID)
	if err != nil {
		return QuotaStatus{}, err
	}

	key := quotaKey(subscriberID, f)
	unlock := g.locks.lock(key)
	defer unlock()

	rec, err := g.loadUsage(ctx, subscriberID, f)
	if err != nil {
		return QuotaStatus{}, err
	}
	rec.Used += amount

	var ttl time.Duration
	if !rec.ResetsAt.IsZero() {
		ttl = rec.ResetsAt.Sub(g.clock.Now()) + time.Minute
	}
	if err := cache.SetValue(ctx, g.store, key, rec, ttl); err != nil {
		return QuotaStatus{}, fmt.Errorf("guard: save usage %s/%s: %w", subscriberID, f, err)
	}
	return quotaStatus(f, plan.Limit(f), rec, 0), nil
}

// Usage returns the subscriber's plan and standing on every feature.
func (g *Guard) Usage(ctx context.Context, subscriberID string) (Plan, []QuotaStatus, error) {
	plan, err := g.planFor(ctx, subscriberID)
	if err != nil {
		return Plan{}, nil, err
	}
	out := make([]QuotaStatus, 0, len(Features))
	for _, f := range Features {
		rec, err := g.loadUsage(ctx, subscriberID, f)
		if err != nil {
			return Plan{}, nil, err
		}
		out = append(out, quotaStatus(f, plan.Limit(f), rec, 0))
	}
	return plan, out, nil
}

// PlanFor returns the subscriber's plan.
func (g *Guard) PlanFor(ctx context.Context, subscriberID string) (Plan, error) {
	return g.planFor(ctx, subscriberID)
}

func (g *Guard) planFor(ctx context.Context, subscriberID string) (Plan, error) {
	if g.plans == nil {
		return Plan{}, ErrNoPlans
	}
	plan, err := g.plans.PlanFor(ctx, subscriberID)
	if err != nil {
		return Plan{}, fmt.Errorf("guard: resolve plan for %s: %w", subscriberID, err)
	}
	return plan, nil
}

// loadUsage returns the counter with any due reset applied in memory.
func (g *Guard) loadUsage(ctx context.Context, subscriberID string, f Feature) (usageRecord, error) {
	rec, ok, err := cache.GetValue[usageRecord](ctx, g.store, quotaKey(subscriberID, f))
	if err != nil && !cache.IsCorrupt(err) {
		return usageRecord{}, fmt.Errorf("guard: load usage %s/%s: %w", subscriberID, f, err)
	}
	now := g.clock.Now()
	if !ok || (!rec.ResetsAt.IsZero() && !now.Before(rec.ResetsAt)) {
		rec = usageRecord{ResetsAt: nextReset(f.Period(), now, g.cfg.Location)}
	}
	return rec, nil
}

func quotaStatus(f Feature, limit int64, rec usageRecord, amount int64) QuotaStatus {
	q := QuotaStatus{Feature: f, Limit: limit, Used: rec.Used, ResetsAt: rec.ResetsAt}
	if limit == Unlimited {
		q.Allowed = true
		q.Remaining = Unlimited
		return q
	}
	q.Allowed = rec.Used+amount <= limit
	q.Remaining = max(limit-rec.Used, 0)
	return q
}

// nextReset returns the first boundary strictly after now: next midnight for
// daily features, the first of next month for monthly ones, zero for
// lifetime counters.
func nextReset(p Period, now time.Time, loc *time.Location) time.Time {
	now = now.In(loc)
	switch p {
	case Daily:
		return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, loc)
	case Monthly:
		return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, loc)
	default:
		return time.Time{}
	}
}
