package permissions

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"permsync/internal"
	ghapi "permsync/pkg/providers/github"
	"permsync/pkg/storage"
)

type fakeClient struct {
	collaborators map[string][]ghapi.Collaborator
	teams         map[string][]ghapi.Team
	members       map[string][]int64

	collaboratorCalls int
	teamCalls         int
	memberCalls       int

	collaboratorErr error
	memberErr       error
}

func (f *fakeClient) ListRepositoryCollaborators(_ context.Context, owner, repo string) ([]ghapi.Collaborator, error) {
	f.collaboratorCalls++
	if f.collaboratorErr != nil {
		return nil, f.collaboratorErr
	}
	return f.collaborators[owner+"/"+repo], nil
}

func (f *fakeClient) ListRepositoryTeams(_ context.Context, owner, repo string) ([]ghapi.Team, error) {
	f.teamCalls++
	return f.teams[owner+"/"+repo], nil
}

func (f *fakeClient) ListTeamMembers(_ context.Context, org, teamSlug string) ([]int64, error) {
	f.memberCalls++
	if f.memberErr != nil {
		return nil, f.memberErr
	}
	return f.members[org+"/"+teamSlug], nil
}

type fakeCache struct {
	repoTeams   map[int64]*storage.RepoTeamsEntry
	teamMembers map[int64]*storage.TeamMembersEntry
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		repoTeams:   map[int64]*storage.RepoTeamsEntry{},
		teamMembers: map[int64]*storage.TeamMembersEntry{},
	}
}

func (f *fakeCache) GetRepoTeams(_ context.Context, _ string, repoID int64) (*storage.RepoTeamsEntry, error) {
	return f.repoTeams[repoID], nil
}

func (f *fakeCache) UpsertRepoTeams(_ context.Context, entry storage.RepoTeamsEntry) error {
	f.repoTeams[entry.RepoID] = &entry
	return nil
}

func (f *fakeCache) InvalidateRepoTeams(_ context.Context, _ string, repoIDs []int64) error {
	for _, id := range repoIDs {
		delete(f.repoTeams, id)
	}
	return nil
}

func (f *fakeCache) ListRepoTeams(_ context.Context, _ string) ([]storage.RepoTeamsEntry, error) {
	var out []storage.RepoTeamsEntry
	for _, entry := range f.repoTeams {
		out = append(out, *entry)
	}
	return out, nil
}

func (f *fakeCache) GetTeamMembers(_ context.Context, _ string, teamID int64) (*storage.TeamMembersEntry, error) {
	return f.teamMembers[teamID], nil
}

func (f *fakeCache) UpsertTeamMembers(_ context.Context, entry storage.TeamMembersEntry) error {
	f.teamMembers[entry.TeamID] = &entry
	return nil
}

func (f *fakeCache) InvalidateTeamMembers(_ context.Context, _ string, teamIDs []int64) error {
	for _, id := range teamIDs {
		delete(f.teamMembers, id)
	}
	return nil
}

func (f *fakeCache) Close() error { return nil }

func testRepo() storage.RepoLink {
	return storage.RepoLink{WorkspaceID: "ws1", RepoID: 10, FullName: "acme/api", ProjectID: "p1", Active: true}
}

func byUser(entries []ComputedPermission) map[int64]ComputedPermission {
	out := make(map[int64]ComputedPermission, len(entries))
	for _, entry := range entries {
		out[entry.UserID] = entry
	}
	return out
}

func TestComputeMergesMonotonically(t *testing.T) {
	client := &fakeClient{
		collaborators: map[string][]ghapi.Collaborator{
			"acme/api": {
				{ID: 1, Login: "alice", Permission: "read"},
				{ID: 2, Login: "bob", Permission: "admin"},
				{ID: 5, Login: "eve", Permission: "none"},
			},
		},
		teams: map[string][]ghapi.Team{
			"acme/api": {
				{ID: 3002, Slug: "platform", OrgLogin: "acme", Permission: "write"},
				{ID: 3003, Slug: "triager", OrgLogin: "acme", Permission: "triage"},
			},
		},
		members: map[string][]int64{
			"acme/platform": {1, 4},
			"acme/triager":  {2},
		},
	}
	engine := &Engine{Client: client, Cache: newFakeCache()}

	result, err := engine.Compute(context.Background(), "ws1", testRepo(), nil)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	got := byUser(result)
	// alice: direct read raised to write by the platform team
	if got[1].Permission != Write || got[1].Login != "alice" {
		t.Fatalf("alice: %+v", got[1])
	}
	// bob: direct admin never downgraded by the triage team
	if got[2].Permission != Admin {
		t.Fatalf("bob: %+v", got[2])
	}
	// user 4: team-only member, no login hint
	if got[4].Permission != Write || got[4].Login != "" {
		t.Fatalf("user 4: %+v", got[4])
	}
	// eve's grant carries no recognized permission and is dropped
	if _, ok := got[5]; ok {
		t.Fatalf("eve must be absent: %+v", got[5])
	}
	if len(result) != 3 {
		ids := make([]int64, 0, len(result))
		for _, entry := range result {
			ids = append(ids, entry.UserID)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		t.Fatalf("unexpected users: %v", ids)
	}
}

func TestComputeUsesFreshCache(t *testing.T) {
	client := &fakeClient{
		collaborators: map[string][]ghapi.Collaborator{"acme/api": {{ID: 1, Login: "alice", Permission: "read"}}},
	}
	cache := newFakeCache()
	cache.repoTeams[10] = &storage.RepoTeamsEntry{
		WorkspaceID: "ws1", RepoID: 10,
		Teams:     []storage.RepoTeam{{TeamID: 3002, TeamSlug: "platform", OrgLogin: "acme", Permission: "write"}},
		UpdatedAt: time.Now().UTC(),
	}
	cache.teamMembers[3002] = &storage.TeamMembersEntry{
		WorkspaceID: "ws1", TeamID: 3002, MemberIDs: []int64{1}, UpdatedAt: time.Now().UTC(),
	}
	engine := &Engine{Client: client, Cache: cache}

	result, err := engine.Compute(context.Background(), "ws1", testRepo(), nil)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if client.teamCalls != 0 || client.memberCalls != 0 {
		t.Fatalf("fresh cache must not hit the provider: teams=%d members=%d", client.teamCalls, client.memberCalls)
	}
	if byUser(result)[1].Permission != Write {
		t.Fatalf("alice: %+v", result)
	}
}

func TestComputeRefreshesStaleCache(t *testing.T) {
	client := &fakeClient{
		collaborators: map[string][]ghapi.Collaborator{"acme/api": {}},
		teams: map[string][]ghapi.Team{
			"acme/api": {{ID: 3002, Slug: "platform", OrgLogin: "acme", Permission: "write"}},
		},
		members: map[string][]int64{"acme/platform": {7}},
	}
	cache := newFakeCache()
	stale := time.Now().UTC().Add(-time.Hour)
	cache.repoTeams[10] = &storage.RepoTeamsEntry{WorkspaceID: "ws1", RepoID: 10, UpdatedAt: stale}
	engine := &Engine{Client: client, Cache: cache}

	result, err := engine.Compute(context.Background(), "ws1", testRepo(), nil)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if client.teamCalls != 1 {
		t.Fatalf("stale entry must be refetched, teamCalls=%d", client.teamCalls)
	}
	// the refetched roster is written back
	if entry := cache.repoTeams[10]; entry == nil || len(entry.Teams) != 1 {
		t.Fatalf("cache after refresh: %+v", cache.repoTeams[10])
	}
	if byUser(result)[7].Permission != Write {
		t.Fatalf("user 7: %+v", result)
	}
}

func TestComputeFailsWholeRepoOnProviderError(t *testing.T) {
	client := &fakeClient{collaboratorErr: errors.New("403 forbidden")}
	engine := &Engine{Client: client, Cache: newFakeCache()}

	if _, err := engine.Compute(context.Background(), "ws1", testRepo(), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestComputeTeamMemberFetchFailureIsFatal(t *testing.T) {
	client := &fakeClient{
		collaborators: map[string][]ghapi.Collaborator{"acme/api": {{ID: 1, Login: "alice", Permission: "admin"}}},
		teams: map[string][]ghapi.Team{
			"acme/api": {{ID: 3002, Slug: "platform", OrgLogin: "acme", Permission: "write"}},
		},
		memberErr: errors.New("404 not found"),
	}
	engine := &Engine{Client: client, Cache: newFakeCache()}

	// nothing partial comes back when a team roster cannot be resolved
	if _, err := engine.Compute(context.Background(), "ws1", testRepo(), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestComputeRateLimitedCallRetriesWithWarning(t *testing.T) {
	client := &fakeClient{collaboratorErr: errors.New("403 API rate limit exceeded")}
	engine := &Engine{Client: client, Cache: newFakeCache()}

	warnings := &internal.WarningList{}
	_, err := engine.Compute(context.Background(), "ws1", testRepo(), warnings)
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if client.collaboratorCalls != 3 {
		t.Fatalf("rate limited call retried %d times", client.collaboratorCalls)
	}
	if len(warnings.List()) == 0 {
		t.Fatal("expected rate limit warnings")
	}
}

func TestSplitFullName(t *testing.T) {
	owner, name, err := SplitFullName("acme/api")
	if err != nil || owner != "acme" || name != "api" {
		t.Fatalf("split: %q %q %v", owner, name, err)
	}
	if _, _, err := SplitFullName("acme"); err == nil {
		t.Fatal("expected error for missing slash")
	}
}
