// Package installations implements storage.InstallationStore on top of GORM.
package installations

import (
	"context"
	"errors"
	"time"

	"permsync/pkg/storage"
	"permsync/pkg/storage/sqldb"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists installation-to-workspace mappings.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	WorkspaceID           string    `gorm:"column:workspace_id;size:128;not null;index"`
	InstallationID        int64     `gorm:"column:installation_id;not null;uniqueIndex:idx_installation"`
	AccountLogin          string    `gorm:"column:account_login;size:255"`
	PermissionSyncEnabled bool      `gorm:"column:permission_sync_enabled"`
	SyncMode              string    `gorm:"column:sync_mode;size:32"`
	TeamRoleMapping       bool      `gorm:"column:team_role_mapping"`
	CreatedAt             time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// New creates a GORM-backed installation store.
func New(db *gorm.DB, table string, autoMigrate bool) (*Store, error) {
	if db == nil {
		return nil, errors.New("db handle is required")
	}
	if table == "" {
		table = "installations"
	}
	store := &Store{db: db, table: table}
	if autoMigrate {
		if err := store.tableDB().AutoMigrate(&row{}); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// UpsertInstallation inserts or updates an installation mapping.
func (s *Store) UpsertInstallation(ctx context.Context, record storage.InstallationRecord) error {
	if record.WorkspaceID == "" || record.InstallationID == 0 {
		return errors.New("workspace_id and installation_id are required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	data := toRow(record)
	return s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "installation_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"workspace_id", "account_login", "permission_sync_enabled", "sync_mode", "team_role_mapping", "updated_at"}),
		}).
		Create(&data).Error
}

// GetByInstallationID fetches the mapping for a provider installation.
func (s *Store) GetByInstallationID(ctx context.Context, installationID int64) (*storage.InstallationRecord, error) {
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("installation_id = ?", installationID).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
}

// GetByWorkspace fetches the mapping for a workspace.
func (s *Store) GetByWorkspace(ctx context.Context, workspaceID string) (*storage.InstallationRecord, error) {
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := fromRow(data)
	return &record, nil
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

func toRow(record storage.InstallationRecord) row {
	return row{
		WorkspaceID:           record.WorkspaceID,
		InstallationID:        record.InstallationID,
		AccountLogin:          record.AccountLogin,
		PermissionSyncEnabled: record.PermissionSyncEnabled,
		SyncMode:              record.SyncMode,
		TeamRoleMapping:       record.TeamRoleMapping,
		CreatedAt:             record.CreatedAt,
		UpdatedAt:             record.UpdatedAt,
	}
}

func fromRow(data row) storage.InstallationRecord {
	return storage.InstallationRecord{
		WorkspaceID:           data.WorkspaceID,
		InstallationID:        data.InstallationID,
		AccountLogin:          data.AccountLogin,
		PermissionSyncEnabled: data.PermissionSyncEnabled,
		SyncMode:              data.SyncMode,
		TeamRoleMapping:       data.TeamRoleMapping,
		CreatedAt:             data.CreatedAt,
		UpdatedAt:             data.UpdatedAt,
	}
}
