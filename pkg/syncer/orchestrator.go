// Package syncer applies computed permissions back to the provider for a set
// of target repositories.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"permsync/internal"
	"permsync/pkg/permissions"
	ghapi "permsync/pkg/providers/github"
	"permsync/pkg/storage"
)

// Mode selects whether sync only adds grants or also removes stale ones.
type Mode string

const (
	ModeAdd       Mode = "add"
	ModeAddRemove Mode = "add_and_remove"
)

// ParseMode validates a mode string, defaulting empty to ModeAdd.
func ParseMode(value string) (Mode, error) {
	switch Mode(value) {
	case "":
		return ModeAdd, nil
	case ModeAdd, ModeAddRemove:
		return Mode(value), nil
	default:
		return "", fmt.Errorf("unsupported sync mode: %q", value)
	}
}

// ActionPermissionsSynced is the audit action recorded per repo apply.
const ActionPermissionsSynced = "github.permissions.synced"

// Provider is the capability surface the orchestrator needs: the current
// grant state plus grant mutation.
type Provider interface {
	ListRepositoryCollaborators(ctx context.Context, owner, repo string) ([]ghapi.Collaborator, error)
	AddCollaborator(ctx context.Context, owner, repo, login, permission string) error
	RemoveCollaborator(ctx context.Context, owner, repo, login string) error
}

// GrantChange is one intended or applied grant mutation. An empty To means
// removal.
type GrantChange struct {
	UserID int64  `json:"user_id,omitempty"`
	Login  string `json:"login"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
}

// RepoResult is the outcome for one repository in a sync pass.
type RepoResult struct {
	RepoID   int64         `json:"repo_id"`
	FullName string        `json:"full_name"`
	Added    []GrantChange `json:"added,omitempty"`
	Removed  []GrantChange `json:"removed,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Report is the structured result of one sync pass. It is returned even when
// individual repositories failed.
type Report struct {
	WorkspaceID string       `json:"workspace_id"`
	Mode        Mode         `json:"mode"`
	DryRun      bool         `json:"dry_run"`
	Repos       []RepoResult `json:"repos"`
	Warnings    []string     `json:"warnings,omitempty"`
}

// Orchestrator runs permission sync passes.
type Orchestrator struct {
	Engine    *permissions.Engine
	RepoLinks storage.RepoLinkStore
	Provider  Provider
	Audit     storage.AuditStore
	Logger    *log.Logger
}

// ListTargetRepos selects the repositories a sync pass covers: active,
// project-linked repos, optionally narrowed to explicit full names
// (case-insensitive) or a project key prefix.
func (o *Orchestrator) ListTargetRepos(ctx context.Context, workspaceID string, repoFilter []string, projectKeyPrefix string) ([]storage.RepoLink, error) {
	return o.RepoLinks.ListRepoLinks(ctx, storage.RepoLinkFilter{
		WorkspaceID:      workspaceID,
		FullNames:        repoFilter,
		ProjectKeyPrefix: projectKeyPrefix,
		ActiveOnly:       true,
		LinkedOnly:       true,
	})
}

// SyncPermissions computes and applies (or previews) the grant changes for
// each target repo. One repository's failure never aborts the batch; the
// report carries per-repo outcomes.
func (o *Orchestrator) SyncPermissions(ctx context.Context, workspaceID, actor string, repos []storage.RepoLink, mode Mode, dryRun bool) (*Report, error) {
	report := &Report{
		WorkspaceID: workspaceID,
		Mode:        mode,
		DryRun:      dryRun,
		Repos:       make([]RepoResult, 0, len(repos)),
	}
	warnings := &internal.WarningList{}

	for _, repo := range repos {
		result := o.syncRepo(ctx, workspaceID, actor, repo, mode, dryRun, warnings)
		if result.Error != "" && o.Logger != nil {
			o.Logger.Printf("sync %s failed: %s", repo.FullName, result.Error)
		}
		report.Repos = append(report.Repos, result)
	}
	report.Warnings = warnings.List()
	return report, nil
}

func (o *Orchestrator) syncRepo(ctx context.Context, workspaceID, actor string, repo storage.RepoLink, mode Mode, dryRun bool, warnings *internal.WarningList) RepoResult {
	result := RepoResult{RepoID: repo.RepoID, FullName: repo.FullName}

	owner, name, err := permissions.SplitFullName(repo.FullName)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	desired, err := o.Engine.Compute(ctx, workspaceID, repo, warnings)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	current, err := internal.RetryProviderCall(ctx, "list collaborators "+repo.FullName, warnings, func(ctx context.Context) ([]ghapi.Collaborator, error) {
		return o.Provider.ListRepositoryCollaborators(ctx, owner, name)
	})
	if err != nil {
		result.Error = err.Error()
		return result
	}

	additions, removals := diffGrants(desired, current, mode, warnings)
	result.Added = additions
	result.Removed = removals

	if !dryRun {
		for i, change := range additions {
			if err := o.Provider.AddCollaborator(ctx, owner, name, change.Login, change.To); err != nil {
				result.Error = fmt.Sprintf("add %s: %v", change.Login, err)
				result.Added = additions[:i]
				return result
			}
		}
		for i, change := range removals {
			if err := o.Provider.RemoveCollaborator(ctx, owner, name, change.Login); err != nil {
				result.Error = fmt.Sprintf("remove %s: %v", change.Login, err)
				result.Removed = removals[:i]
				return result
			}
		}
	}

	o.recordAudit(ctx, workspaceID, actor, repo.FullName, mode, dryRun, result)
	return result
}

// diffGrants computes the additions and (in add_and_remove mode) removals
// that bring the provider's grant state to the desired map. Downgrades are
// never applied: the merge is add-or-raise only.
func diffGrants(desired []permissions.ComputedPermission, current []ghapi.Collaborator, mode Mode, warnings *internal.WarningList) ([]GrantChange, []GrantChange) {
	currentByID := make(map[int64]ghapi.Collaborator, len(current))
	for _, collaborator := range current {
		currentByID[collaborator.ID] = collaborator
	}
	desiredByID := make(map[int64]permissions.ComputedPermission, len(desired))
	for _, entry := range desired {
		desiredByID[entry.UserID] = entry
	}

	var additions []GrantChange
	for _, entry := range desired {
		existing, ok := currentByID[entry.UserID]
		existingPermission := ""
		if ok {
			existingPermission = permissions.Normalize(existing.Permission)
		}
		if ok && permissions.Rank(existingPermission) >= permissions.Rank(entry.Permission) {
			continue
		}
		login := entry.Login
		if login == "" && ok {
			login = existing.Login
		}
		if login == "" {
			warnings.Add("no login known for user %d; grant skipped", entry.UserID)
			continue
		}
		additions = append(additions, GrantChange{
			UserID: entry.UserID,
			Login:  login,
			From:   existingPermission,
			To:     entry.Permission,
		})
	}

	var removals []GrantChange
	if mode == ModeAddRemove {
		for _, collaborator := range current {
			if _, ok := desiredByID[collaborator.ID]; ok {
				continue
			}
			if collaborator.Login == "" {
				continue
			}
			removals = append(removals, GrantChange{
				UserID: collaborator.ID,
				Login:  collaborator.Login,
				From:   permissions.Normalize(collaborator.Permission),
			})
		}
	}

	sort.Slice(additions, func(i, j int) bool { return additions[i].Login < additions[j].Login })
	sort.Slice(removals, func(i, j int) bool { return removals[i].Login < removals[j].Login })
	return additions, removals
}

func (o *Orchestrator) recordAudit(ctx context.Context, workspaceID, actor, fullName string, mode Mode, dryRun bool, result RepoResult) {
	if o.Audit == nil {
		return
	}
	detail, err := json.Marshal(map[string]interface{}{
		"mode":    mode,
		"dry_run": dryRun,
		"added":   result.Added,
		"removed": result.Removed,
	})
	if err != nil {
		return
	}
	auditErr := o.Audit.RecordAudit(ctx, storage.AuditRecord{
		WorkspaceID: workspaceID,
		Actor:       actor,
		Action:      ActionPermissionsSynced,
		Target:      fullName,
		Detail:      detail,
	})
	if auditErr != nil && o.Logger != nil {
		o.Logger.Printf("audit write failed for %s: %v", fullName, auditErr)
	}
}
