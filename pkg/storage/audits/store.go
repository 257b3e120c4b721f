// Package audits implements storage.AuditStore on top of GORM.
package audits

import (
	"context"
	"errors"
	"time"

	"permsync/pkg/storage"
	"permsync/pkg/storage/sqldb"

	"gorm.io/gorm"
)

// Store persists audit records. Rows are insert-only.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	WorkspaceID string    `gorm:"column:workspace_id;size:128;index"`
	Actor       string    `gorm:"column:actor;size:255"`
	Action      string    `gorm:"column:action;size:128;not null;index"`
	Target      string    `gorm:"column:target;size:255"`
	Detail      []byte    `gorm:"column:detail"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// New creates a GORM-backed audit store.
func New(db *gorm.DB, table string, autoMigrate bool) (*Store, error) {
	if db == nil {
		return nil, errors.New("db handle is required")
	}
	if table == "" {
		table = "audit_records"
	}
	store := &Store{db: db, table: table}
	if autoMigrate {
		if err := store.tableDB().AutoMigrate(&row{}); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// RecordAudit writes one audit trail entry.
func (s *Store) RecordAudit(ctx context.Context, record storage.AuditRecord) error {
	if record.Action == "" {
		return errors.New("action is required")
	}
	data := row{
		WorkspaceID: record.WorkspaceID,
		Actor:       record.Actor,
		Action:      record.Action,
		Target:      record.Target,
		Detail:      record.Detail,
		CreatedAt:   time.Now().UTC(),
	}
	return s.tableDB().WithContext(ctx).Create(&data).Error
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
