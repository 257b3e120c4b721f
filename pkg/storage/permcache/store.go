// Package permcache implements storage.PermissionCacheStore on top of GORM.
//
// The two caches are independent keyed tables rather than a generic cache
// service: invalidation is selective by repo ID or team ID, which a TTL-only
// cache cannot express.
package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"permsync/pkg/storage"
	"permsync/pkg/storage/sqldb"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists the repo-teams and team-members caches.
type Store struct {
	db               *gorm.DB
	repoTeamsTable   string
	teamMembersTable string
}

type repoTeamsRow struct {
	WorkspaceID string    `gorm:"column:workspace_id;size:128;not null;uniqueIndex:idx_repo_teams,priority:1"`
	RepoID      int64     `gorm:"column:repo_id;not null;uniqueIndex:idx_repo_teams,priority:2"`
	Teams       string    `gorm:"column:teams;type:text"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

type teamMembersRow struct {
	WorkspaceID string    `gorm:"column:workspace_id;size:128;not null;uniqueIndex:idx_team_members,priority:1"`
	TeamID      int64     `gorm:"column:team_id;not null;uniqueIndex:idx_team_members,priority:2"`
	MemberIDs   string    `gorm:"column:member_ids;type:text"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

// New creates a GORM-backed permission cache store.
func New(db *gorm.DB, repoTeamsTable, teamMembersTable string, autoMigrate bool) (*Store, error) {
	if db == nil {
		return nil, errors.New("db handle is required")
	}
	if repoTeamsTable == "" {
		repoTeamsTable = "repo_teams_cache"
	}
	if teamMembersTable == "" {
		teamMembersTable = "team_members_cache"
	}
	store := &Store{db: db, repoTeamsTable: repoTeamsTable, teamMembersTable: teamMembersTable}
	if autoMigrate {
		if err := db.Table(repoTeamsTable).AutoMigrate(&repoTeamsRow{}); err != nil {
			return nil, err
		}
		if err := db.Table(teamMembersTable).AutoMigrate(&teamMembersRow{}); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// GetRepoTeams fetches the cached teams for a repo, or nil on a miss.
func (s *Store) GetRepoTeams(ctx context.Context, workspaceID string, repoID int64) (*storage.RepoTeamsEntry, error) {
	var data repoTeamsRow
	err := s.db.Table(s.repoTeamsTable).
		WithContext(ctx).
		Where("workspace_id = ? AND repo_id = ?", workspaceID, repoID).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry, err := repoTeamsFromRow(data)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpsertRepoTeams write-throughs the cached teams for a repo.
func (s *Store) UpsertRepoTeams(ctx context.Context, entry storage.RepoTeamsEntry) error {
	if entry.WorkspaceID == "" || entry.RepoID == 0 {
		return errors.New("workspace_id and repo_id are required")
	}
	encoded, err := json.Marshal(entry.Teams)
	if err != nil {
		return err
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	data := repoTeamsRow{
		WorkspaceID: entry.WorkspaceID,
		RepoID:      entry.RepoID,
		Teams:       string(encoded),
		UpdatedAt:   entry.UpdatedAt,
	}
	return s.db.Table(s.repoTeamsTable).
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "repo_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"teams", "updated_at"}),
		}).
		Create(&data).Error
}

// InvalidateRepoTeams drops the cached teams for the given repos. Absent keys
// are ignored.
func (s *Store) InvalidateRepoTeams(ctx context.Context, workspaceID string, repoIDs []int64) error {
	if len(repoIDs) == 0 {
		return nil
	}
	return s.db.Table(s.repoTeamsTable).
		WithContext(ctx).
		Where("workspace_id = ? AND repo_id IN ?", workspaceID, repoIDs).
		Delete(&repoTeamsRow{}).Error
}

// ListRepoTeams lists every cached repo-teams entry in a workspace. Used to
// resolve which repos a team is attached to.
func (s *Store) ListRepoTeams(ctx context.Context, workspaceID string) ([]storage.RepoTeamsEntry, error) {
	var data []repoTeamsRow
	err := s.db.Table(s.repoTeamsTable).
		WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Find(&data).Error
	if err != nil {
		return nil, err
	}
	entries := make([]storage.RepoTeamsEntry, 0, len(data))
	for _, item := range data {
		entry, err := repoTeamsFromRow(item)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetTeamMembers fetches the cached member IDs for a team, or nil on a miss.
func (s *Store) GetTeamMembers(ctx context.Context, workspaceID string, teamID int64) (*storage.TeamMembersEntry, error) {
	var data teamMembersRow
	err := s.db.Table(s.teamMembersTable).
		WithContext(ctx).
		Where("workspace_id = ? AND team_id = ?", workspaceID, teamID).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry, err := teamMembersFromRow(data)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpsertTeamMembers write-throughs the cached member IDs for a team.
func (s *Store) UpsertTeamMembers(ctx context.Context, entry storage.TeamMembersEntry) error {
	if entry.WorkspaceID == "" || entry.TeamID == 0 {
		return errors.New("workspace_id and team_id are required")
	}
	encoded, err := json.Marshal(entry.MemberIDs)
	if err != nil {
		return err
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	data := teamMembersRow{
		WorkspaceID: entry.WorkspaceID,
		TeamID:      entry.TeamID,
		MemberIDs:   string(encoded),
		UpdatedAt:   entry.UpdatedAt,
	}
	return s.db.Table(s.teamMembersTable).
		WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}, {Name: "team_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"member_ids", "updated_at"}),
		}).
		Create(&data).Error
}

// InvalidateTeamMembers drops the cached members for the given teams. Absent
// keys are ignored.
func (s *Store) InvalidateTeamMembers(ctx context.Context, workspaceID string, teamIDs []int64) error {
	if len(teamIDs) == 0 {
		return nil
	}
	return s.db.Table(s.teamMembersTable).
		WithContext(ctx).
		Where("workspace_id = ? AND team_id IN ?", workspaceID, teamIDs).
		Delete(&teamMembersRow{}).Error
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return sqldb.Close(s.db)
}

func repoTeamsFromRow(data repoTeamsRow) (storage.RepoTeamsEntry, error) {
	entry := storage.RepoTeamsEntry{
		WorkspaceID: data.WorkspaceID,
		RepoID:      data.RepoID,
		UpdatedAt:   data.UpdatedAt,
	}
	if data.Teams != "" {
		if err := json.Unmarshal([]byte(data.Teams), &entry.Teams); err != nil {
			return storage.RepoTeamsEntry{}, err
		}
	}
	return entry, nil
}

func teamMembersFromRow(data teamMembersRow) (storage.TeamMembersEntry, error) {
	entry := storage.TeamMembersEntry{
		WorkspaceID: data.WorkspaceID,
		TeamID:      data.TeamID,
		UpdatedAt:   data.UpdatedAt,
	}
	if data.MemberIDs != "" {
		if err := json.Unmarshal([]byte(data.MemberIDs), &entry.MemberIDs); err != nil {
			return storage.TeamMembersEntry{}, err
		}
	}
	return entry, nil
}
