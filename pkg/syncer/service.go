package syncer

import (
	"context"
	"fmt"
	"log"
	"time"

	"permsync/pkg/permissions"
	"permsync/pkg/storage"
)

// ProviderClient is the full provider surface a sync pass needs: the read
// side the permission engine uses plus grant mutation.
type ProviderClient interface {
	permissions.ProviderClient
	AddCollaborator(ctx context.Context, owner, repo, login, permission string) error
	RemoveCollaborator(ctx context.Context, owner, repo, login string) error
}

// ClientFactory returns a provider client authenticated for one workspace's
// installation.
type ClientFactory func(ctx context.Context, workspaceID string) (ProviderClient, error)

// Service builds a per-workspace orchestrator on demand. Provider tokens are
// installation-scoped, so the client cannot be shared across workspaces.
type Service struct {
	RepoLinks storage.RepoLinkStore
	Cache     storage.PermissionCacheStore
	Audit     storage.AuditStore
	Clients   ClientFactory
	Logger    *log.Logger

	RepoTeamsTTL   time.Duration
	TeamMembersTTL time.Duration
}

// ListTargetRepos selects the repositories a sync pass covers.
func (s *Service) ListTargetRepos(ctx context.Context, workspaceID string, repoFilter []string, projectKeyPrefix string) ([]storage.RepoLink, error) {
	return s.RepoLinks.ListRepoLinks(ctx, storage.RepoLinkFilter{
		WorkspaceID:      workspaceID,
		FullNames:        repoFilter,
		ProjectKeyPrefix: projectKeyPrefix,
		ActiveOnly:       true,
		LinkedOnly:       true,
	})
}

// SyncPermissions runs one sync pass for the workspace.
func (s *Service) SyncPermissions(ctx context.Context, workspaceID, actor string, repos []storage.RepoLink, mode Mode, dryRun bool) (*Report, error) {
	client, err := s.Clients(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("provider client for %s: %w", workspaceID, err)
	}
	orchestrator := &Orchestrator{
		Engine: &permissions.Engine{
			Client:         client,
			Cache:          s.Cache,
			RepoTeamsTTL:   s.RepoTeamsTTL,
			TeamMembersTTL: s.TeamMembersTTL,
			Logger:         s.Logger,
		},
		RepoLinks: s.RepoLinks,
		Provider:  client,
		Audit:     s.Audit,
		Logger:    s.Logger,
	}
	return orchestrator.SyncPermissions(ctx, workspaceID, actor, repos, mode, dryRun)
}
