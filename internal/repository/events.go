package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scangate/scangate/internal/model"
)

// ProcessEventRepository implements envelope.EventStore on Postgres. Events
// are append-only; there is no update or delete path.
type ProcessEventRepository struct {
	pool *pgxpool.Pool
}

// NewProcessEventRepository constructs a repository.
func NewProcessEventRepository(pool *pgxpool.Pool) *ProcessEventRepository {
	return &ProcessEventRepository{pool: pool}
}

// Append inserts one audit event and returns its id.
func (r *ProcessEventRepository) Append(ctx context.Context, event *model.ProcessEvent) (int64, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO process_events (container, zip_file_name, event, reason, created_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, event.Container, event.ZipFileName, event.Event, event.Reason, event.CreatedAt)
	if err := row.Scan(&event.ID); err != nil {
		return 0, fmt.Errorf("insert process event: %w", err)
	}
	return event.ID, nil
}

// List returns the audit trail for one zip in wall-clock order.
func (r *ProcessEventRepository) List(ctx context.Context, container, zipFileName string) ([]model.ProcessEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, container, zip_file_name, event, COALESCE(reason,''), created_at
		FROM process_events
		WHERE container = $1 AND zip_file_name = $2
		ORDER BY created_at, id
	`, container, zipFileName)
	if err != nil {
		return nil, fmt.Errorf("list process events: %w", err)
	}
	defer rows.Close()
	var out []model.ProcessEvent
	for rows.Next() {
		var ev model.ProcessEvent
		if err := rows.Scan(&ev.ID, &ev.Container, &ev.ZipFileName, &ev.Event, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan process event: %w", err)
		}
		out = append(out, ev)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("list process events: %w", rows.Err())
	}
	return out, nil
}

// LastEventAt returns the newest event time for the zip, or the zero time.
func (r *ProcessEventRepository) LastEventAt(ctx context.Context, container, zipFileName string) (time.Time, error) {
	var last time.Time
	row := r.pool.QueryRow(ctx, `
		SELECT created_at FROM process_events
		WHERE container = $1 AND zip_file_name = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, container, zipFileName)
	if err := row.Scan(&last); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("last event time: %w", err)
	}
	return last, nil
}

// ErrorNotificationRepository persists outbound error notifications.
type ErrorNotificationRepository struct {
	pool *pgxpool.Pool
}

// NewErrorNotificationRepository constructs a repository.
func NewErrorNotificationRepository(pool *pgxpool.Pool) *ErrorNotificationRepository {
	return &ErrorNotificationRepository{pool: pool}
}

// Create inserts a notification record awaiting acknowledgement.
func (r *ErrorNotificationRepository) Create(ctx context.Context, n *model.ErrorNotification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO error_notifications (id, event_id, notification_id, error_code, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, n.ID, n.EventID, n.NotificationID, n.ErrorCode, n.Description, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert error notification: %w", err)
	}
	return nil
}

// MarkDelivered stores the id the notification service assigned.
func (r *ErrorNotificationRepository) MarkDelivered(ctx context.Context, id, notificationID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE error_notifications SET notification_id = $1 WHERE id = $2
	`, notificationID, id)
	if err != nil {
		return fmt.Errorf("mark notification delivered: %w", err)
	}
	return nil
}
