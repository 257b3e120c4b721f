package storage

import (
	"context"
	"time"
)

// TTLFloor is the minimum cache freshness window. Configured TTLs below the
// floor are raised to it.
const TTLFloor = 900 * time.Second

// Fresh reports whether a cache row updated at the given time is still usable
// under the given TTL.
func Fresh(updatedAt time.Time, ttl time.Duration, now time.Time) bool {
	if updatedAt.IsZero() {
		return false
	}
	if ttl < TTLFloor {
		ttl = TTLFloor
	}
	return now.Sub(updatedAt) < ttl
}

// InstallationRecord maps a provider app installation to a workspace and
// carries the per-workspace sync settings.
type InstallationRecord struct {
	WorkspaceID           string
	InstallationID        int64
	AccountLogin          string
	PermissionSyncEnabled bool
	SyncMode              string
	TeamRoleMapping       bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// RepoLink maps a provider repository to a workspace project. Only active,
// project-linked repos participate in permission sync.
type RepoLink struct {
	WorkspaceID   string    `json:"workspace_id"`
	RepoID        int64     `json:"repo_id"`
	FullName      string    `json:"full_name"`
	ProjectID     string    `json:"project_id,omitempty"`
	ProjectKey    string    `json:"project_key,omitempty"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	Visibility    string    `json:"visibility,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Linked reports whether the repo is attached to a project.
func (r RepoLink) Linked() bool {
	return r.ProjectID != ""
}

// RepoLinkFilter selects repo link rows.
type RepoLinkFilter struct {
	WorkspaceID      string
	RepoIDs          []int64
	FullNames        []string // matched case-insensitively
	ProjectKeyPrefix string
	ActiveOnly       bool
	LinkedOnly       bool
}

// RepoTeam is one team attached to a repository with its granted permission.
type RepoTeam struct {
	TeamID     int64  `json:"team_id"`
	TeamSlug   string `json:"team_slug"`
	OrgLogin   string `json:"org_login"`
	Permission string `json:"permission"`
}

// RepoTeamsEntry caches the teams attached to one repository.
type RepoTeamsEntry struct {
	WorkspaceID string
	RepoID      int64
	Teams       []RepoTeam
	UpdatedAt   time.Time
}

// TeamMembersEntry caches the member identities of one team.
type TeamMembersEntry struct {
	WorkspaceID string
	TeamID      int64
	MemberIDs   []int64
	UpdatedAt   time.Time
}

// EventStatus is the webhook event queue state.
type EventStatus string

const (
	EventQueued     EventStatus = "queued"
	EventProcessing EventStatus = "processing"
	EventDone       EventStatus = "done"
	EventFailed     EventStatus = "failed"
)

// WebhookEvent is one stored webhook delivery. Rows are created by ingress,
// mutated only by the queue processor, and never deleted.
type WebhookEvent struct {
	ID             int64
	WorkspaceID    string // empty when the installation is unknown
	InstallationID int64
	EventType      string
	DeliveryID     string
	Payload        []byte
	Status         EventStatus
	AffectedRepos  int
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AuditRecord is one audit trail entry.
type AuditRecord struct {
	ID          int64
	WorkspaceID string
	Actor       string
	Action      string
	Target      string
	Detail      []byte
	CreatedAt   time.Time
}

// InstallationStore persists installation-to-workspace mappings.
type InstallationStore interface {
	UpsertInstallation(ctx context.Context, record InstallationRecord) error
	GetByInstallationID(ctx context.Context, installationID int64) (*InstallationRecord, error)
	GetByWorkspace(ctx context.Context, workspaceID string) (*InstallationRecord, error)
	Close() error
}

// RepoLinkStore persists repository links.
type RepoLinkStore interface {
	UpsertRepoLink(ctx context.Context, link RepoLink) error
	GetRepoLink(ctx context.Context, workspaceID string, repoID int64) (*RepoLink, error)
	ListRepoLinks(ctx context.Context, filter RepoLinkFilter) ([]RepoLink, error)
	// UpdateRepoDetails rewrites the mutable repository metadata in place
	// without touching the project linkage.
	UpdateRepoDetails(ctx context.Context, workspaceID string, repoID int64, fullName, defaultBranch, visibility string) error
	DeactivateRepoLinks(ctx context.Context, workspaceID string, repoIDs []int64) error
	Close() error
}

// PermissionCacheStore persists the two provider lookup caches. Invalidating
// an absent key is a no-op.
type PermissionCacheStore interface {
	GetRepoTeams(ctx context.Context, workspaceID string, repoID int64) (*RepoTeamsEntry, error)
	UpsertRepoTeams(ctx context.Context, entry RepoTeamsEntry) error
	InvalidateRepoTeams(ctx context.Context, workspaceID string, repoIDs []int64) error
	ListRepoTeams(ctx context.Context, workspaceID string) ([]RepoTeamsEntry, error)

	GetTeamMembers(ctx context.Context, workspaceID string, teamID int64) (*TeamMembersEntry, error)
	UpsertTeamMembers(ctx context.Context, entry TeamMembersEntry) error
	InvalidateTeamMembers(ctx context.Context, workspaceID string, teamIDs []int64) error
	Close() error
}

// WebhookEventStore persists the webhook event queue.
type WebhookEventStore interface {
	// InsertEvent stores a new queued event. A delivery ID collision reports
	// duplicate=true and leaves the existing row untouched.
	InsertEvent(ctx context.Context, event WebhookEvent) (id int64, duplicate bool, err error)
	ListQueued(ctx context.Context, limit int) ([]WebhookEvent, error)
	// ClaimEvent transitions queued -> processing. It reports false when
	// another worker already owns or finished the event.
	ClaimEvent(ctx context.Context, id int64) (bool, error)
	MarkDone(ctx context.Context, id int64, affectedRepos int) error
	MarkFailed(ctx context.Context, id int64, message string) error
	GetEvent(ctx context.Context, id int64) (*WebhookEvent, error)
	Close() error
}

// AuditStore records audit trail entries. Writes are fire-and-forget from the
// engine's perspective; failures are logged by callers, never fatal.
type AuditStore interface {
	RecordAudit(ctx context.Context, record AuditRecord) error
	Close() error
}
