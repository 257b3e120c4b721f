package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"permsync/pkg/storage"
)

// Audit actions recorded by the dispatcher.
const (
	ActionReposSynced = "github.repos.synced.webhook"
	ActionRepoUpdated = "github.repo.updated.webhook"
)

// Recompute reasons carried into audits and outcome events.
const (
	ReasonInstallationUpdate = "installation_update"
	ReasonTeamChange         = "team_change"
	ReasonMembershipChange   = "membership_change"
	ReasonTeamRepoChange     = "team_repo_change"
)

// Outcome is what one dispatched event asks the processor to do. An empty
// Reason means no recompute is needed. TeamIDs carries the teams whose shape
// changed, for workspaces with team role mapping enabled.
type Outcome struct {
	Reason  string
	RepoIDs []int64
	TeamIDs []int64
}

// Dispatcher interprets queued webhook events: it keeps repo links and the
// permission caches in step with the payload and decides which repos need a
// recompute. It never talks to the provider.
type Dispatcher struct {
	RepoLinks storage.RepoLinkStore
	Cache     storage.PermissionCacheStore
	Audits    storage.AuditStore
	Logger    *log.Logger
}

type repoPayload struct {
	ID            int64  `json:"id"`
	FullName      string `json:"full_name"`
	Private       bool   `json:"private"`
	DefaultBranch string `json:"default_branch"`
}

func (r repoPayload) visibility() string {
	if r.Private {
		return "private"
	}
	return "public"
}

// Dispatch applies one event's side effects and returns the recompute request
// it implies.
func (d *Dispatcher) Dispatch(ctx context.Context, event storage.WebhookEvent) (Outcome, error) {
	switch event.EventType {
	case "installation_repositories", "integration_installation_repositories":
		return d.installationRepositories(ctx, event)
	case "team":
		return d.team(ctx, event)
	case "team_add":
		return d.teamAdd(ctx, event)
	case "membership":
		return d.membership(ctx, event)
	case "member":
		return d.member(ctx, event)
	case "repository":
		return d.repository(ctx, event)
	default:
		return Outcome{}, nil
	}
}

// installationRepositories mirrors added and removed repos into the link
// table. Added repos keep any project linkage a previous row carried; removed
// repos are deactivated, never deleted.
func (d *Dispatcher) installationRepositories(ctx context.Context, event storage.WebhookEvent) (Outcome, error) {
	var payload struct {
		Action              string        `json:"action"`
		RepositoriesAdded   []repoPayload `json:"repositories_added"`
		RepositoriesRemoved []repoPayload `json:"repositories_removed"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return Outcome{}, fmt.Errorf("decode installation_repositories: %w", err)
	}

	addedIDs := make([]int64, 0, len(payload.RepositoriesAdded))
	for _, repo := range payload.RepositoriesAdded {
		link := storage.RepoLink{
			WorkspaceID:   event.WorkspaceID,
			RepoID:        repo.ID,
			FullName:      repo.FullName,
			DefaultBranch: repo.DefaultBranch,
			Visibility:    repo.visibility(),
			Active:        true,
		}
		existing, err := d.RepoLinks.GetRepoLink(ctx, event.WorkspaceID, repo.ID)
		if err != nil {
			return Outcome{}, err
		}
		if existing != nil {
			link.ProjectID = existing.ProjectID
			link.ProjectKey = existing.ProjectKey
		}
		if err := d.RepoLinks.UpsertRepoLink(ctx, link); err != nil {
			return Outcome{}, err
		}
		addedIDs = append(addedIDs, repo.ID)
	}

	removedIDs := make([]int64, 0, len(payload.RepositoriesRemoved))
	for _, repo := range payload.RepositoriesRemoved {
		removedIDs = append(removedIDs, repo.ID)
	}
	if len(removedIDs) > 0 {
		if err := d.RepoLinks.DeactivateRepoLinks(ctx, event.WorkspaceID, removedIDs); err != nil {
			return Outcome{}, err
		}
		if err := d.Cache.InvalidateRepoTeams(ctx, event.WorkspaceID, removedIDs); err != nil {
			return Outcome{}, err
		}
	}

	d.audit(ctx, event, ActionReposSynced, event.DeliveryID, map[string]interface{}{
		"action":  payload.Action,
		"added":   len(addedIDs),
		"removed": len(removedIDs),
	})
	return Outcome{Reason: ReasonInstallationUpdate, RepoIDs: addedIDs}, nil
}

// team covers team lifecycle and team<->repo attachment events.
func (d *Dispatcher) team(ctx context.Context, event storage.WebhookEvent) (Outcome, error) {
	var payload struct {
		Action string `json:"action"`
		Team   struct {
			ID int64 `json:"id"`
		} `json:"team"`
		Repository repoPayload `json:"repository"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return Outcome{}, fmt.Errorf("decode team: %w", err)
	}
	if payload.Team.ID == 0 {
		return Outcome{}, nil
	}

	switch payload.Action {
	case "added_to_repository", "removed_from_repository":
		if payload.Repository.ID == 0 {
			return Outcome{}, nil
		}
		if err := d.Cache.InvalidateRepoTeams(ctx, event.WorkspaceID, []int64{payload.Repository.ID}); err != nil {
			return Outcome{}, err
		}
		if err := d.Cache.InvalidateTeamMembers(ctx, event.WorkspaceID, []int64{payload.Team.ID}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Reason: ReasonTeamRepoChange, RepoIDs: []int64{payload.Repository.ID}, TeamIDs: []int64{payload.Team.ID}}, nil
	default:
		return d.invalidateTeam(ctx, event.WorkspaceID, payload.Team.ID, ReasonTeamChange)
	}
}

// teamAdd is the legacy team-added-to-repository event.
func (d *Dispatcher) teamAdd(ctx context.Context, event storage.WebhookEvent) (Outcome, error) {
	var payload struct {
		Team struct {
			ID int64 `json:"id"`
		} `json:"team"`
		Repository repoPayload `json:"repository"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return Outcome{}, fmt.Errorf("decode team_add: %w", err)
	}
	if payload.Repository.ID == 0 {
		return Outcome{}, nil
	}
	if err := d.Cache.InvalidateRepoTeams(ctx, event.WorkspaceID, []int64{payload.Repository.ID}); err != nil {
		return Outcome{}, err
	}
	var teamIDs []int64
	if payload.Team.ID != 0 {
		if err := d.Cache.InvalidateTeamMembers(ctx, event.WorkspaceID, []int64{payload.Team.ID}); err != nil {
			return Outcome{}, err
		}
		teamIDs = []int64{payload.Team.ID}
	}
	return Outcome{Reason: ReasonTeamRepoChange, RepoIDs: []int64{payload.Repository.ID}, TeamIDs: teamIDs}, nil
}

// membership is a user joining or leaving a team.
func (d *Dispatcher) membership(ctx context.Context, event storage.WebhookEvent) (Outcome, error) {
	var payload struct {
		Team struct {
			ID int64 `json:"id"`
		} `json:"team"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return Outcome{}, fmt.Errorf("decode membership: %w", err)
	}
	if payload.Team.ID == 0 {
		return Outcome{}, nil
	}
	return d.invalidateTeam(ctx, event.WorkspaceID, payload.Team.ID, ReasonMembershipChange)
}

// member is a direct collaborator change on one repo. No cache to drop since
// collaborators are fetched fresh; only a recompute is needed.
func (d *Dispatcher) member(ctx context.Context, event storage.WebhookEvent) (Outcome, error) {
	var payload struct {
		Repository repoPayload `json:"repository"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return Outcome{}, fmt.Errorf("decode member: %w", err)
	}
	if payload.Repository.ID == 0 {
		return Outcome{}, nil
	}
	return Outcome{Reason: ReasonMembershipChange, RepoIDs: []int64{payload.Repository.ID}}, nil
}

// repository keeps link metadata current. Renames are audited; no recompute
// happens because grants are keyed by repo ID, not name.
func (d *Dispatcher) repository(ctx context.Context, event storage.WebhookEvent) (Outcome, error) {
	var payload struct {
		Action     string      `json:"action"`
		Repository repoPayload `json:"repository"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return Outcome{}, fmt.Errorf("decode repository: %w", err)
	}
	if payload.Repository.ID == 0 {
		return Outcome{}, nil
	}

	switch payload.Action {
	case "renamed", "edited", "privatized", "publicized":
		err := d.RepoLinks.UpdateRepoDetails(ctx, event.WorkspaceID, payload.Repository.ID,
			payload.Repository.FullName, payload.Repository.DefaultBranch, payload.Repository.visibility())
		if err != nil {
			return Outcome{}, err
		}
		if payload.Action == "renamed" {
			d.audit(ctx, event, ActionRepoUpdated, payload.Repository.FullName, map[string]interface{}{
				"action":  payload.Action,
				"repo_id": payload.Repository.ID,
			})
		}
		return Outcome{}, nil
	case "deleted", "archived", "transferred":
		if err := d.RepoLinks.DeactivateRepoLinks(ctx, event.WorkspaceID, []int64{payload.Repository.ID}); err != nil {
			return Outcome{}, err
		}
		if err := d.Cache.InvalidateRepoTeams(ctx, event.WorkspaceID, []int64{payload.Repository.ID}); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, nil
	default:
		return Outcome{}, nil
	}
}

// invalidateTeam drops the team's member cache and resolves which cached
// repos that team reaches, so only those get recomputed.
func (d *Dispatcher) invalidateTeam(ctx context.Context, workspaceID string, teamID int64, reason string) (Outcome, error) {
	if err := d.Cache.InvalidateTeamMembers(ctx, workspaceID, []int64{teamID}); err != nil {
		return Outcome{}, err
	}

	entries, err := d.Cache.ListRepoTeams(ctx, workspaceID)
	if err != nil {
		return Outcome{}, err
	}
	var repoIDs []int64
	for _, entry := range entries {
		for _, team := range entry.Teams {
			if team.TeamID == teamID {
				repoIDs = append(repoIDs, entry.RepoID)
				break
			}
		}
	}
	return Outcome{Reason: reason, RepoIDs: repoIDs, TeamIDs: []int64{teamID}}, nil
}

func (d *Dispatcher) audit(ctx context.Context, event storage.WebhookEvent, action, target string, detail map[string]interface{}) {
	if d.Audits == nil {
		return
	}
	detail["delivery_id"] = event.DeliveryID
	raw, err := json.Marshal(detail)
	if err != nil {
		return
	}
	auditErr := d.Audits.RecordAudit(ctx, storage.AuditRecord{
		WorkspaceID: event.WorkspaceID,
		Actor:       "system:webhook",
		Action:      action,
		Target:      target,
		Detail:      raw,
	})
	if auditErr != nil && d.Logger != nil {
		d.Logger.Printf("audit write failed: %v", auditErr)
	}
}
