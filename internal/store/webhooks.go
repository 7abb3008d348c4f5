package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Webhook is a registered event sink.
type Webhook struct {
	ID        string
	URL       string
	Events    []string
	Secret    *string
	CreatedAt time.Time
}

// SubscribedTo reports whether the webhook wants the given event type.
// An empty event list subscribes to everything.
func (w *Webhook) SubscribedTo(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// WebhookDelivery is one append-only delivery-attempt record.
type WebhookDelivery struct {
	WebhookID      string
	EventType      string
	Attempt        int
	Status         string // "delivered", "failed", "retrying"
	ResponseStatus *int
	RequestedAt    time.Time
}

// CreateWebhook registers a webhook.
func (s *Store) CreateWebhook(w *Webhook) error {
	now := s.clock.Now()
	w.CreatedAt = now
	_, err := s.exec(`
		INSERT INTO webhooks (id, url, events, secret, created_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		w.ID, w.URL, encodeJSON(w.Events), nullableString(w.Secret), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

// ListWebhooks returns every registered webhook.
func (s *Store) ListWebhooks() ([]*Webhook, error) {
	rows, err := s.query(`SELECT id, url, events, secret, created_at_ms FROM webhooks ORDER BY created_at_ms`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Webhook
	for rows.Next() {
		var w Webhook
		var events, secret sql.NullString
		var createdAt int64
		if err := rows.Scan(&w.ID, &w.URL, &events, &secret, &createdAt); err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		w.Events = s.decodeJSONList(events, "events", w.ID)
		if secret.Valid {
			sec := secret.String
			w.Secret = &sec
		}
		w.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// DeleteWebhook removes a webhook.
func (s *Store) DeleteWebhook(id string) error {
	res, err := s.exec(`DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendDelivery records one delivery attempt.
func (s *Store) AppendDelivery(d *WebhookDelivery) error {
	var responseStatus any
	if d.ResponseStatus != nil {
		responseStatus = *d.ResponseStatus
	}
	_, err := s.exec(`
		INSERT INTO webhook_deliveries (webhook_id, event_type, attempt, status, response_status, requested_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.WebhookID, d.EventType, d.Attempt, d.Status, responseStatus,
		d.RequestedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns the most recent delivery attempts for a
// webhook, newest first.
func (s *Store) ListDeliveries(webhookID string, limit int) ([]*WebhookDelivery, error) {
	rows, err := s.query(`
		SELECT webhook_id, event_type, attempt, status, response_status, requested_at_ms
		FROM webhook_deliveries WHERE webhook_id = ?
		ORDER BY requested_at_ms DESC LIMIT ?`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		var responseStatus sql.NullInt64
		var requestedAt int64
		if err := rows.Scan(&d.WebhookID, &d.EventType, &d.Attempt, &d.Status, &responseStatus, &requestedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if responseStatus.Valid {
			rs := int(responseStatus.Int64)
			d.ResponseStatus = &rs
		}
		d.RequestedAt = time.UnixMilli(requestedAt)
		out = append(out, &d)
	}
	return out, rows.Err()
}
