package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"permsync/internal"
	ghapi "permsync/pkg/providers/github"
	"permsync/pkg/storage"
)

type memRepoLinks struct {
	links map[string]storage.RepoLink // key ws/repoID
}

func newMemRepoLinks(links ...storage.RepoLink) *memRepoLinks {
	m := &memRepoLinks{links: map[string]storage.RepoLink{}}
	for _, link := range links {
		m.links[linkKey(link.WorkspaceID, link.RepoID)] = link
	}
	return m
}

func linkKey(workspaceID string, repoID int64) string {
	return fmt.Sprintf("%s/%d", workspaceID, repoID)
}

func (m *memRepoLinks) UpsertRepoLink(_ context.Context, link storage.RepoLink) error {
	// Same validation as the SQL store.
	if link.WorkspaceID == "" || link.RepoID == 0 {
		return errors.New("workspace_id and repo_id are required")
	}
	m.links[linkKey(link.WorkspaceID, link.RepoID)] = link
	return nil
}

func (m *memRepoLinks) GetRepoLink(_ context.Context, workspaceID string, repoID int64) (*storage.RepoLink, error) {
	link, ok := m.links[linkKey(workspaceID, repoID)]
	if !ok {
		return nil, nil
	}
	return &link, nil
}

func (m *memRepoLinks) ListRepoLinks(_ context.Context, filter storage.RepoLinkFilter) ([]storage.RepoLink, error) {
	var out []storage.RepoLink
	for _, link := range m.links {
		if filter.WorkspaceID != "" && link.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if len(filter.RepoIDs) > 0 && !containsID(filter.RepoIDs, link.RepoID) {
			continue
		}
		if len(filter.FullNames) > 0 && !containsFold(filter.FullNames, link.FullName) {
			continue
		}
		if filter.ProjectKeyPrefix != "" && !strings.HasPrefix(link.ProjectKey, filter.ProjectKeyPrefix) {
			continue
		}
		if filter.ActiveOnly && !link.Active {
			continue
		}
		if filter.LinkedOnly && !link.Linked() {
			continue
		}
		out = append(out, link)
	}
	return out, nil
}

func (m *memRepoLinks) UpdateRepoDetails(_ context.Context, workspaceID string, repoID int64, fullName, defaultBranch, visibility string) error {
	key := linkKey(workspaceID, repoID)
	link, ok := m.links[key]
	if !ok {
		return nil
	}
	if fullName != "" {
		link.FullName = fullName
	}
	if defaultBranch != "" {
		link.DefaultBranch = defaultBranch
	}
	if visibility != "" {
		link.Visibility = visibility
	}
	m.links[key] = link
	return nil
}

func (m *memRepoLinks) DeactivateRepoLinks(_ context.Context, workspaceID string, repoIDs []int64) error {
	for _, repoID := range repoIDs {
		key := linkKey(workspaceID, repoID)
		if link, ok := m.links[key]; ok {
			link.Active = false
			m.links[key] = link
		}
	}
	return nil
}

func (m *memRepoLinks) Close() error { return nil }

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

func containsFold(names []string, name string) bool {
	for _, candidate := range names {
		if strings.EqualFold(candidate, name) {
			return true
		}
	}
	return false
}

type memCache struct {
	repoTeams   map[int64]*storage.RepoTeamsEntry
	teamMembers map[int64]*storage.TeamMembersEntry
}

func newMemCache() *memCache {
	return &memCache{
		repoTeams:   map[int64]*storage.RepoTeamsEntry{},
		teamMembers: map[int64]*storage.TeamMembersEntry{},
	}
}

func (m *memCache) GetRepoTeams(_ context.Context, _ string, repoID int64) (*storage.RepoTeamsEntry, error) {
	return m.repoTeams[repoID], nil
}

func (m *memCache) UpsertRepoTeams(_ context.Context, entry storage.RepoTeamsEntry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	m.repoTeams[entry.RepoID] = &entry
	return nil
}

func (m *memCache) InvalidateRepoTeams(_ context.Context, _ string, repoIDs []int64) error {
	for _, id := range repoIDs {
		delete(m.repoTeams, id)
	}
	return nil
}

func (m *memCache) ListRepoTeams(_ context.Context, _ string) ([]storage.RepoTeamsEntry, error) {
	var out []storage.RepoTeamsEntry
	for _, entry := range m.repoTeams {
		out = append(out, *entry)
	}
	return out, nil
}

func (m *memCache) GetTeamMembers(_ context.Context, _ string, teamID int64) (*storage.TeamMembersEntry, error) {
	return m.teamMembers[teamID], nil
}

func (m *memCache) UpsertTeamMembers(_ context.Context, entry storage.TeamMembersEntry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	m.teamMembers[entry.TeamID] = &entry
	return nil
}

func (m *memCache) InvalidateTeamMembers(_ context.Context, _ string, teamIDs []int64) error {
	for _, id := range teamIDs {
		delete(m.teamMembers, id)
	}
	return nil
}

func (m *memCache) Close() error { return nil }

type memAudits struct {
	records []storage.AuditRecord
}

func (m *memAudits) RecordAudit(_ context.Context, record storage.AuditRecord) error {
	m.records = append(m.records, record)
	return nil
}

func (m *memAudits) Close() error { return nil }

func (m *memAudits) actions() []string {
	out := make([]string, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, record.Action)
	}
	return out
}

type memEvents struct {
	events []storage.WebhookEvent
}

func (m *memEvents) InsertEvent(_ context.Context, event storage.WebhookEvent) (int64, bool, error) {
	for _, existing := range m.events {
		if existing.DeliveryID == event.DeliveryID {
			return existing.ID, true, nil
		}
	}
	event.ID = int64(len(m.events) + 1)
	if event.Status == "" {
		event.Status = storage.EventQueued
	}
	m.events = append(m.events, event)
	return event.ID, false, nil
}

func (m *memEvents) ListQueued(_ context.Context, limit int) ([]storage.WebhookEvent, error) {
	var out []storage.WebhookEvent
	for _, event := range m.events {
		if event.Status == storage.EventQueued && len(out) < limit {
			out = append(out, event)
		}
	}
	return out, nil
}

func (m *memEvents) ClaimEvent(_ context.Context, id int64) (bool, error) {
	for i := range m.events {
		if m.events[i].ID == id && m.events[i].Status == storage.EventQueued {
			m.events[i].Status = storage.EventProcessing
			return true, nil
		}
	}
	return false, nil
}

func (m *memEvents) MarkDone(_ context.Context, id int64, affected int) error {
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].Status = storage.EventDone
			m.events[i].AffectedRepos = affected
		}
	}
	return nil
}

func (m *memEvents) MarkFailed(_ context.Context, id int64, message string) error {
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].Status = storage.EventFailed
			m.events[i].Error = message
		}
	}
	return nil
}

func (m *memEvents) GetEvent(_ context.Context, id int64) (*storage.WebhookEvent, error) {
	for i := range m.events {
		if m.events[i].ID == id {
			event := m.events[i]
			return &event, nil
		}
	}
	return nil, nil
}

func (m *memEvents) Close() error { return nil }

type memInstallations struct {
	byWorkspace map[string]storage.InstallationRecord
}

func (m *memInstallations) UpsertInstallation(_ context.Context, record storage.InstallationRecord) error {
	if m.byWorkspace == nil {
		m.byWorkspace = map[string]storage.InstallationRecord{}
	}
	m.byWorkspace[record.WorkspaceID] = record
	return nil
}

func (m *memInstallations) GetByInstallationID(_ context.Context, id int64) (*storage.InstallationRecord, error) {
	for _, record := range m.byWorkspace {
		if record.InstallationID == id {
			return &record, nil
		}
	}
	return nil, nil
}

func (m *memInstallations) GetByWorkspace(_ context.Context, workspaceID string) (*storage.InstallationRecord, error) {
	record, ok := m.byWorkspace[workspaceID]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (m *memInstallations) Close() error { return nil }

type memProvider struct {
	collaborators map[string][]ghapi.Collaborator
	teams         map[string][]ghapi.Team
	members       map[string][]int64

	added   []string
	removed []string
}

func (m *memProvider) ListRepositoryCollaborators(_ context.Context, owner, repo string) ([]ghapi.Collaborator, error) {
	return m.collaborators[owner+"/"+repo], nil
}

func (m *memProvider) ListRepositoryTeams(_ context.Context, owner, repo string) ([]ghapi.Team, error) {
	return m.teams[owner+"/"+repo], nil
}

func (m *memProvider) ListTeamMembers(_ context.Context, org, teamSlug string) ([]int64, error) {
	return m.members[org+"/"+teamSlug], nil
}

func (m *memProvider) AddCollaborator(_ context.Context, owner, repo, login, permission string) error {
	m.added = append(m.added, fmt.Sprintf("%s/%s:%s:%s", owner, repo, login, permission))
	return nil
}

func (m *memProvider) RemoveCollaborator(_ context.Context, owner, repo, login string) error {
	m.removed = append(m.removed, fmt.Sprintf("%s/%s:%s", owner, repo, login))
	return nil
}

type memRoleMapper struct {
	applied map[string][]int64
}

func (m *memRoleMapper) ApplyTeamRoleMappings(_ context.Context, workspaceID string, teamIDs []int64) error {
	if m.applied == nil {
		m.applied = map[string][]int64{}
	}
	m.applied[workspaceID] = append(m.applied[workspaceID], teamIDs...)
	return nil
}

type memPublisher struct {
	published []internal.Outcome
	topics    []string
}

func (m *memPublisher) Publish(_ context.Context, topic string, outcome internal.Outcome) error {
	m.topics = append(m.topics, topic)
	m.published = append(m.published, outcome)
	return nil
}

func (m *memPublisher) Close() error { return nil }
