package pushserver

import (
	"context"
	"database/sql"
	"time"
)

// SubscriptionRecord is a stored push subscription, keyed by endpoint.
type SubscriptionRecord struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	UserAgent string    `json:"userAgent"`
	Platform  string    `json:"platform"`
	CreatedAt time.Time `json:"createdAt"`
}

// NotificationRecord is a stored notification. Status moves from "sent" to
// "read" when a client acknowledges it.
type NotificationRecord struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Icon      string     `json:"icon,omitempty"`
	Tag       string     `json:"tag,omitempty"`
	URL       string     `json:"url,omitempty"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// Store persists subscriptions and notifications.
type Store interface {
	SaveSubscription(ctx context.Context, rec SubscriptionRecord) error
	DeleteSubscriptionByEndpoint(ctx context.Context, endpoint string) (bool, error)
	ListSubscriptions(ctx context.Context) ([]SubscriptionRecord, error)

	CreateNotification(ctx context.Context, rec NotificationRecord) error
	ListNotificationsByStatus(ctx context.Context, status string) ([]NotificationRecord, error)
	MarkNotificationRead(ctx context.Context, id string) (bool, error)
}

// PGStore implements Store on Postgres.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an initialized database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// SaveSubscription upserts by endpoint: resubscribing from the same browser
// profile replaces the previous keys instead of accumulating rows.
func (s *PGStore) SaveSubscription(ctx context.Context, rec SubscriptionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (id, endpoint, p256dh, auth, user_agent, platform, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (endpoint) DO UPDATE
		SET p256dh = EXCLUDED.p256dh,
		    auth = EXCLUDED.auth,
		    user_agent = EXCLUDED.user_agent,
		    platform = EXCLUDED.platform`,
		rec.ID, rec.Endpoint, rec.P256dh, rec.Auth, rec.UserAgent, rec.Platform, rec.CreatedAt)
	return err
}

func (s *PGStore) DeleteSubscriptionByEndpoint(ctx context.Context, endpoint string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *PGStore) ListSubscriptions(ctx context.Context) ([]SubscriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint, p256dh, auth, user_agent, platform, created_at
		FROM push_subscriptions
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SubscriptionRecord
	for rows.Next() {
		var rec SubscriptionRecord
		if err := rows.Scan(&rec.ID, &rec.Endpoint, &rec.P256dh, &rec.Auth, &rec.UserAgent, &rec.Platform, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PGStore) CreateNotification(ctx context.Context, rec NotificationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, title, body, icon, tag, url, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Title, rec.Body, rec.Icon, rec.Tag, rec.URL, rec.Status, rec.CreatedAt)
	return err
}

func (s *PGStore) ListNotificationsByStatus(ctx context.Context, status string) ([]NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, body, icon, tag, url, status, created_at, read_at
		FROM notifications
		WHERE status = $1
		ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []NotificationRecord
	for rows.Next() {
		var rec NotificationRecord
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Body, &rec.Icon, &rec.Tag, &rec.URL, &rec.Status, &rec.CreatedAt, &rec.ReadAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PGStore) MarkNotificationRead(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = 'read', read_at = now()
		WHERE id = $1 AND status = 'sent'`, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}
