// Package repolinks implements storage.RepoLinkStore on top of GORM.
package repolinks

import (
	"context"
	"errors"
	"strings"
	"time"

	"permsync/pkg/storage"
	"permsync/pkg/storage/sqldb"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists repository links.
type Store struct {
	db    *gorm.DB
	table string
}

type row struct {
	WorkspaceID   string    `gorm:"column:workspace_id;size:128;not null;uniqueIndex:idx_repo_link,priority:1"`
	RepoID        int64     `gorm:"column:repo_id;not null;uniqueIndex:idx_repo_link,priority:2"`
	FullName      string    `gorm:"column:full_name;size:255"`
	ProjectID     string    `gorm:"column:project_id;size:128"`
	ProjectKey    string    `gorm:"column:project_key;size:64"`
	DefaultBranch string    `gorm:"column:default_branch;size:255"`
	Visibility    string    `gorm:"column:visibility;size:32"`
	Active        bool      `gorm:"column:active"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// New creates a GORM-backed repo link store.
func New(db *gorm.DB, table string, autoMigrate bool) (*Store, error) {
	if db == nil {
		return nil, errors.New("db handle is required")
	}
	if table == "" {
		table = "repo_links"
	}
	store := &Store{db: db, table: table}
	if autoMigrate {
		if err := store.tableDB().AutoMigrate(&row{}); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// UpsertRepoLink inserts or updates a repo link.
func (s *Store) UpsertRepoLink(ctx context.Context, link storage.RepoLink) error {
	if link.WorkspaceID == "" || link.RepoID == 0 {
		return errors.New("workspace_id and repo_id are required")
	}
	now := time.Now().UTC()
	if link.CreatedAt.IsZero() {
		link.CreatedAt = now
	}
	link.UpdatedAt = now

	data := toRow(link)
	return s.tableDB().
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "repo_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"full_name", "project_id", "project_key", "default_branch", "visibility", "active", "updated_at"}),
		}).
		Create(&data).Error
}

// GetRepoLink fetches one repo link.
func (s *Store) GetRepoLink(ctx context.Context, workspaceID string, repoID int64) (*storage.RepoLink, error) {
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("workspace_id = ? AND repo_id = ?", workspaceID, repoID).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	link := fromRow(data)
	return &link, nil
}

// ListRepoLinks lists repo links by filter.
func (s *Store) ListRepoLinks(ctx context.Context, filter storage.RepoLinkFilter) ([]storage.RepoLink, error) {
	query := s.tableDB().WithContext(ctx)
	if filter.WorkspaceID != "" {
		query = query.Where("workspace_id = ?", filter.WorkspaceID)
	}
	if len(filter.RepoIDs) > 0 {
		query = query.Where("repo_id IN ?", filter.RepoIDs)
	}
	if len(filter.FullNames) > 0 {
		lowered := make([]string, 0, len(filter.FullNames))
		for _, name := range filter.FullNames {
			lowered = append(lowered, strings.ToLower(name))
		}
		query = query.Where("LOWER(full_name) IN ?", lowered)
	}
	if filter.ProjectKeyPrefix != "" {
		query = query.Where("project_key LIKE ?", filter.ProjectKeyPrefix+"%")
	}
	if filter.ActiveOnly {
		query = query.Where("active = ?", true)
	}
	if filter.LinkedOnly {
		query = query.Where("project_id <> ''")
	}
	var data []row
	if err := query.Order("repo_id ASC").Find(&data).Error; err != nil {
		return nil, err
	}
	links := make([]storage.RepoLink, 0, len(data))
	for _, item := range data {
		links = append(links, fromRow(item))
	}
	return links, nil
}

// UpdateRepoDetails rewrites the repository metadata without touching the
// project linkage. A missing row is a no-op.
func (s *Store) UpdateRepoDetails(ctx context.Context, workspaceID string, repoID int64, fullName, defaultBranch, visibility string) error {
	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	if fullName != "" {
		updates["full_name"] = fullName
	}
	if defaultBranch != "" {
		updates["default_branch"] = defaultBranch
	}
	if visibility != "" {
		updates["visibility"] = visibility
	}
	return s.tableDB().
		WithContext(ctx).
		Where("workspace_id = ? AND repo_id = ?", workspaceID, repoID).
		Updates(updates).Error
}

// DeactivateRepoLinks marks the given repos inactive.
func (s *Store) DeactivateRepoLinks(ctx context.Context, workspaceID string, repoIDs []int64) error {
	if len(repoIDs) == 0 {
		return nil
	}
	return s.tableDB().
		WithContext(ctx).
		Where("workspace_id = ? AND repo_id IN ?", workspaceID, repoIDs).
		Updates(map[string]interface{}{"active": false, "updated_at": time.Now().UTC()}).Error
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

func toRow(link storage.RepoLink) row {
	return row{
		WorkspaceID:   link.WorkspaceID,
		RepoID:        link.RepoID,
		FullName:      link.FullName,
		ProjectID:     link.ProjectID,
		ProjectKey:    link.ProjectKey,
		DefaultBranch: link.DefaultBranch,
		Visibility:    link.Visibility,
		Active:        link.Active,
		CreatedAt:     link.CreatedAt,
		UpdatedAt:     link.UpdatedAt,
	}
}

func fromRow(data row) storage.RepoLink {
	return storage.RepoLink{
		WorkspaceID:   data.WorkspaceID,
		RepoID:        data.RepoID,
		FullName:      data.FullName,
		ProjectID:     data.ProjectID,
		ProjectKey:    data.ProjectKey,
		DefaultBranch: data.DefaultBranch,
		Visibility:    data.Visibility,
		Active:        data.Active,
		CreatedAt:     data.CreatedAt,
		UpdatedAt:     data.UpdatedAt,
	}
}
