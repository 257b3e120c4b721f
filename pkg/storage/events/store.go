// Package events implements storage.WebhookEventStore on top of GORM.
package events

import (
	"context"
	"errors"
	"time"

	"permsync/pkg/storage"
	"permsync/pkg/storage/sqldb"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists the webhook event queue.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	WorkspaceID    string    `gorm:"column:workspace_id;size:128;index"`
	InstallationID int64     `gorm:"column:installation_id"`
	EventType      string    `gorm:"column:event_type;size:64;not null"`
	DeliveryID     string    `gorm:"column:delivery_id;size:128;not null;uniqueIndex:idx_delivery"`
	Payload        []byte    `gorm:"column:payload"`
	Status         string    `gorm:"column:status;size:16;not null;index"`
	AffectedRepos  int       `gorm:"column:affected_repos_count"`
	Error          string    `gorm:"column:error;size:1024"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

// New creates a GORM-backed webhook event store.
func New(db *gorm.DB, table string, autoMigrate bool) (*Store, error) {
	if db == nil {
		return nil, errors.New("db handle is required")
	}
	if table == "" {
		table = "webhook_events"
	}
	store := &Store{db: db, table: table}
	if autoMigrate {
		if err := store.tableDB().AutoMigrate(&row{}); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// InsertEvent stores a new queued event. The delivery ID unique index is the
// idempotency boundary: a collision reports duplicate=true with the existing
// row's ID and never creates a second row.
func (s *Store) InsertEvent(ctx context.Context, event storage.WebhookEvent) (int64, bool, error) {
	if event.DeliveryID == "" {
		return 0, false, errors.New("delivery_id is required")
	}
	if event.EventType == "" {
		return 0, false, errors.New("event_type is required")
	}
	now := time.Now().UTC()
	data := row{
		WorkspaceID:    event.WorkspaceID,
		InstallationID: event.InstallationID,
		EventType:      event.EventType,
		DeliveryID:     event.DeliveryID,
		Payload:        event.Payload,
		Status:         string(storage.EventQueued),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	result := s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "delivery_id"}},
			DoNothing: true,
		}).
		Create(&data)
	if result.Error != nil {
		return 0, false, result.Error
	}
	if result.RowsAffected == 1 {
		return data.ID, false, nil
	}

	var existing row
	err := s.tableDB().
		WithContext(ctx).
		Where("delivery_id = ?", event.DeliveryID).
		Take(&existing).Error
	if err != nil {
		return 0, true, err
	}
	return existing.ID, true, nil
}

// ListQueued returns up to limit queued events, oldest first.
func (s *Store) ListQueued(ctx context.Context, limit int) ([]storage.WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var data []row
	err := s.tableDB().
		WithContext(ctx).
		Where("status = ?", string(storage.EventQueued)).
		Order("id ASC").
		Limit(limit).
		Find(&data).Error
	if err != nil {
		return nil, err
	}
	out := make([]storage.WebhookEvent, 0, len(data))
	for _, item := range data {
		out = append(out, fromRow(item))
	}
	return out, nil
}

// ClaimEvent transitions queued -> processing with a conditional update. The
// update matches at most one row; zero rows affected means another worker
// already owns or finished the event.
func (s *Store) ClaimEvent(ctx context.Context, id int64) (bool, error) {
	result := s.tableDB().
		WithContext(ctx).
		Where("id = ? AND status = ?", id, string(storage.EventQueued)).
		Updates(map[string]interface{}{
			"status":     string(storage.EventProcessing),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkDone finishes a claimed event. affectedRepos of 0 is valid and means
// the event had no actionable effect.
func (s *Store) MarkDone(ctx context.Context, id int64, affectedRepos int) error {
	return s.tableDB().
		WithContext(ctx).
		Where("id = ? AND status = ?", id, string(storage.EventProcessing)).
		Updates(map[string]interface{}{
			"status":               string(storage.EventDone),
			"affected_repos_count": affectedRepos,
			"error":                "",
			"updated_at":           time.Now().UTC(),
		}).Error
}

// MarkFailed records a processing failure on the event row.
func (s *Store) MarkFailed(ctx context.Context, id int64, message string) error {
	if len(message) > 1024 {
		message = message[:1024]
	}
	return s.tableDB().
		WithContext(ctx).
		Where("id = ? AND status = ?", id, string(storage.EventProcessing)).
		Updates(map[string]interface{}{
			"status":     string(storage.EventFailed),
			"error":      message,
			"updated_at": time.Now().UTC(),
		}).Error
}

// GetEvent fetches one event row.
func (s *Store) GetEvent(ctx context.Context, id int64) (*storage.WebhookEvent, error) {
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("id = ?", id).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	event := fromRow(data)
	return &event, nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return sqldb.Close(s.db)
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func fromRow(data row) storage.WebhookEvent {
	return storage.WebhookEvent{
		ID:             data.ID,
		WorkspaceID:    data.WorkspaceID,
		InstallationID: data.InstallationID,
		EventType:      data.EventType,
		DeliveryID:     data.DeliveryID,
		Payload:        data.Payload,
		Status:         storage.EventStatus(data.Status),
		AffectedRepos:  data.AffectedRepos,
		Error:          data.Error,
		CreatedAt:      data.CreatedAt,
		UpdatedAt:      data.UpdatedAt,
	}
}
