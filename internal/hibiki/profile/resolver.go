package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/bdobrica/Hibiki/internal/hibiki/guard"
	"github.com/bdobrica/Hibiki/internal/hibiki/store"
)

// SubscriberStore is the slice of store.Store the resolver reads.
type SubscriberStore interface {
	GetSubscriber(ctx context.Context, id string) (*store.Subscriber, error)
}

// Resolver decides a subscriber's plan and locale. Operator records in the
// database win over the profile's subscribers map, which wins over the
// profile defaults.
type Resolver struct {
	profile       *Profile
	subs          SubscriberStore
	defaultLocale string
}

// NewResolver creates a Resolver. subs may be nil.
func NewResolver(p *Profile, subs SubscriberStore, defaultLocale string) *Resolver {
	if defaultLocale == "" {
		defaultLocale = p.Persona.Language
	}
	return &Resolver{profile: p, subs: subs, defaultLocale: defaultLocale}
}

// PlanFor implements guard.PlanResolver. A record naming a plan the profile
// no longer defines falls back to the default plan.
func (r *Resolver) PlanFor(ctx context.Context, subscriberID string) (guard.Plan, error) {
	name := r.profile.DefaultPlan
	if spec, ok := r.profile.Subscribers[subscriberID]; ok && spec.Plan != "" {
		name = spec.Plan
	}
	rec, err := r.lookup(ctx, subscriberID)
	if err != nil {
		return guard.Plan{}, err
	}
	if rec != nil && rec.Plan != "" {
		if _, ok := r.profile.Plans[rec.Plan]; ok {
			name = rec.Plan
		}
	}

	plan, ok := r.profile.Plan(name)
	if !ok {
		return guard.Plan{}, fmt.Errorf("profile: plan %q not defined", name)
	}
	return plan, nil
}

// LocaleFor returns the subscriber's language, or the default on any
// lookup failure.
func (r *Resolver) LocaleFor(ctx context.Context, subscriberID string) string {
	if rec, err := r.lookup(ctx, subscriberID); err == nil && rec != nil && rec.Locale != "" {
		return rec.Locale
	}
	if spec, ok := r.profile.Subscribers[subscriberID]; ok && spec.Locale != "" {
		return spec.Locale
	}
	return r.defaultLocale
}

// Plans returns the profile's plans in display order.
func (r *Resolver) Plans() []guard.Plan { return r.profile.PlanList() }

// UpgradeURL returns the link shown by the upgrade command.
func (r *Resolver) UpgradeURL() string { return r.profile.UpgradeURL }

func (r *Resolver) lookup(ctx context.Context, id string) (*store.Subscriber, error) {
	if r.subs == nil {
		return nil, nil
	}
	rec, err := r.subs.GetSubscriber(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: load subscriber %s: %w", id, err)
	}
	return rec, nil
}

var _ guard.PlanResolver = (*Resolver)(nil)
