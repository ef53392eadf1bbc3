package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Subscriber holds the operator-assigned plan and locale for one subscriber
// (a conversation id). Empty fields fall back to the profile defaults.
type Subscriber struct {
	ID        string    `json:"subscriber_id"`
	Plan      string    `json:"plan"`
	Locale    string    `json:"locale"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetSubscriber returns the record for id or ErrNotFound.
func (s *Store) GetSubscriber(ctx context.Context, id string) (*Subscriber, error) {
	sub := &Subscriber{}
	err := s.db.QueryRowContext(ctx,
		`SELECT subscriber_id, plan, locale, updated_at FROM subscribers WHERE subscriber_id = ?`, id,
	).Scan(&sub.ID, &sub.Plan, &sub.Locale, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscriber %q: %w", id, err)
	}
	return sub, nil
}

// SetSubscriber upserts sub, stamping updated_at with the current UTC time.
func (s *Store) SetSubscriber(ctx context.Context, sub Subscriber) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (subscriber_id, plan, locale, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subscriber_id) DO UPDATE SET
			plan       = excluded.plan,
			locale     = excluded.locale,
			updated_at = excluded.updated_at
	`, sub.ID, sub.Plan, sub.Locale, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: set subscriber %q: %w", sub.ID, err)
	}
	return nil
}

// DeleteSubscriber removes the record for id. Deleting a missing record is
// not an error.
func (s *Store) DeleteSubscriber(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE subscriber_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete subscriber %q: %w", id, err)
	}
	return nil
}

// ListSubscribers returns every subscriber record ordered by id.
func (s *Store) ListSubscribers(ctx context.Context) ([]*Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscriber_id, plan, locale, updated_at FROM subscribers ORDER BY subscriber_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list subscribers: %w", err)
	}
	defer rows.Close()

	var out []*Subscriber
	for rows.Next() {
		sub := &Subscriber{}
		if err := rows.Scan(&sub.ID, &sub.Plan, &sub.Locale, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan subscriber: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list subscribers rows: %w", err)
	}
	return out, nil
}
