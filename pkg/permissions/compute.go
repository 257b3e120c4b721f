package permissions

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"permsync/internal"
	ghapi "permsync/pkg/providers/github"
	"permsync/pkg/storage"
)

// ComputedPermission is one user's effective permission on a repository. It
// is recomputed per sync pass and never the source of truth.
type ComputedPermission struct {
	UserID     int64
	Login      string
	Permission string
}

// ProviderClient is the capability surface the engine needs from the
// provider. Pure I/O; retrying and caching live here, not in the client.
type ProviderClient interface {
	ListRepositoryCollaborators(ctx context.Context, owner, repo string) ([]ghapi.Collaborator, error)
	ListRepositoryTeams(ctx context.Context, owner, repo string) ([]ghapi.Team, error)
	ListTeamMembers(ctx context.Context, org, teamSlug string) ([]int64, error)
}

// Engine computes the merged user -> best permission map for one repository.
type Engine struct {
	Client         ProviderClient
	Cache          storage.PermissionCacheStore
	RepoTeamsTTL   time.Duration
	TeamMembersTTL time.Duration
	Logger         *log.Logger
}

// Compute derives the effective permission map for one linked repository.
// The merge is monotonic-max only: a lower grant from one source never
// downgrades a higher grant from another. A provider failure after retry
// exhaustion fails the whole computation; nothing partial is returned.
func (e *Engine) Compute(ctx context.Context, workspaceID string, repo storage.RepoLink, warnings *internal.WarningList) ([]ComputedPermission, error) {
	owner, name, err := SplitFullName(repo.FullName)
	if err != nil {
		return nil, err
	}

	collaborators, err := internal.RetryProviderCall(ctx, "list collaborators "+repo.FullName, warnings, func(ctx context.Context) ([]ghapi.Collaborator, error) {
		return e.Client.ListRepositoryCollaborators(ctx, owner, name)
	})
	if err != nil {
		return nil, fmt.Errorf("list collaborators for %s: %w", repo.FullName, err)
	}

	merged := make(map[int64]ComputedPermission, len(collaborators))
	for _, collaborator := range collaborators {
		permission := Normalize(collaborator.Permission)
		if permission == "" {
			// Pending invitations and unknown grants carry no permission.
			continue
		}
		merged[collaborator.ID] = ComputedPermission{
			UserID:     collaborator.ID,
			Login:      collaborator.Login,
			Permission: permission,
		}
	}

	teams, err := e.repoTeams(ctx, workspaceID, repo.RepoID, owner, name, warnings)
	if err != nil {
		return nil, err
	}
	for _, team := range teams {
		permission := Normalize(team.Permission)
		if permission == "" {
			continue
		}
		members, err := e.teamMembers(ctx, workspaceID, team, warnings)
		if err != nil {
			return nil, err
		}
		for _, memberID := range members {
			existing, ok := merged[memberID]
			if !ok {
				merged[memberID] = ComputedPermission{UserID: memberID, Permission: permission}
				continue
			}
			existing.Permission = Max(existing.Permission, permission)
			merged[memberID] = existing
		}
	}

	out := make([]ComputedPermission, 0, len(merged))
	for _, entry := range merged {
		out = append(out, entry)
	}
	return out, nil
}

// repoTeams returns the teams attached to a repo, cache-first with
// write-through on a stale or missing entry.
func (e *Engine) repoTeams(ctx context.Context, workspaceID string, repoID int64, owner, name string, warnings *internal.WarningList) ([]storage.RepoTeam, error) {
	now := time.Now().UTC()
	entry, err := e.Cache.GetRepoTeams(ctx, workspaceID, repoID)
	if err != nil {
		return nil, err
	}
	if entry != nil && storage.Fresh(entry.UpdatedAt, e.RepoTeamsTTL, now) {
		internal.IncCacheLookup("repo_teams", "hit")
		return entry.Teams, nil
	}
	internal.IncCacheLookup("repo_teams", "miss")

	fullName := owner + "/" + name
	listed, err := internal.RetryProviderCall(ctx, "list repo teams "+fullName, warnings, func(ctx context.Context) ([]ghapi.Team, error) {
		return e.Client.ListRepositoryTeams(ctx, owner, name)
	})
	if err != nil {
		return nil, fmt.Errorf("list teams for %s: %w", fullName, err)
	}

	teams := make([]storage.RepoTeam, 0, len(listed))
	for _, team := range listed {
		teams = append(teams, storage.RepoTeam{
			TeamID:     team.ID,
			TeamSlug:   team.Slug,
			OrgLogin:   team.OrgLogin,
			Permission: strings.ToLower(strings.TrimSpace(team.Permission)),
		})
	}
	err = e.Cache.UpsertRepoTeams(ctx, storage.RepoTeamsEntry{
		WorkspaceID: workspaceID,
		RepoID:      repoID,
		Teams:       teams,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	return teams, nil
}

// teamMembers returns the member IDs of a team, cache-first per team.
func (e *Engine) teamMembers(ctx context.Context, workspaceID string, team storage.RepoTeam, warnings *internal.WarningList) ([]int64, error) {
	now := time.Now().UTC()
	entry, err := e.Cache.GetTeamMembers(ctx, workspaceID, team.TeamID)
	if err != nil {
		return nil, err
	}
	if entry != nil && storage.Fresh(entry.UpdatedAt, e.TeamMembersTTL, now) {
		internal.IncCacheLookup("team_members", "hit")
		return entry.MemberIDs, nil
	}
	internal.IncCacheLookup("team_members", "miss")

	members, err := internal.RetryProviderCall(ctx, "list team members "+team.TeamSlug, warnings, func(ctx context.Context) ([]int64, error) {
		return e.Client.ListTeamMembers(ctx, team.OrgLogin, team.TeamSlug)
	})
	if err != nil {
		return nil, fmt.Errorf("list members for team %s: %w", team.TeamSlug, err)
	}

	err = e.Cache.UpsertTeamMembers(ctx, storage.TeamMembersEntry{
		WorkspaceID: workspaceID,
		TeamID:      team.TeamID,
		MemberIDs:   members,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

// SplitFullName splits "owner/name" into its parts.
func SplitFullName(fullName string) (string, string, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("malformed repository full name: %q", fullName)
	}
	return owner, name, nil
}
