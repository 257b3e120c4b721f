// Package github wraps the official GitHub SDK behind the narrow capability
// surface the permission engine needs.
package github

import (
	"context"
	"errors"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Collaborator is one direct collaborator with its derived permission. The
// permission may be empty (pending invitations yield none).
type Collaborator struct {
	ID         int64
	Login      string
	Permission string
}

// Team is one team attached to a repository.
type Team struct {
	ID         int64
	Slug       string
	OrgLogin   string
	Permission string
}

// Client calls the GitHub API with an installation-scoped token. It performs
// no caching or retrying of its own.
type Client struct {
	api *gh.Client
}

// NewAppClient creates a client by exchanging an installation token.
func NewAppClient(ctx context.Context, cfg AppConfig, installationID int64) (*Client, error) {
	if installationID == 0 {
		return nil, errors.New("github installation id is required")
	}
	authenticator := newAppAuthenticator(cfg)
	token, err := authenticator.installationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	return NewTokenClient(ctx, token, cfg.BaseURL)
}

// NewTokenClient creates a client from an existing token.
func NewTokenClient(ctx context.Context, token, baseURL string) (*Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)

	base := strings.TrimRight(baseURL, "/")
	if base != "" && base != defaultBaseURL {
		api, err := gh.NewClient(httpClient).WithEnterpriseURLs(base, base)
		if err != nil {
			return nil, err
		}
		return &Client{api: api}, nil
	}
	return &Client{api: gh.NewClient(httpClient)}, nil
}

// ListRepositoryCollaborators lists all collaborators with their derived
// permission, following pagination.
func (c *Client) ListRepositoryCollaborators(ctx context.Context, owner, repo string) ([]Collaborator, error) {
	opts := &gh.ListCollaboratorsOptions{
		Affiliation: "all",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var out []Collaborator
	for {
		users, resp, err := c.api.Repositories.ListCollaborators(ctx, owner, repo, opts)
		if err != nil {
			return nil, err
		}
		for _, user := range users {
			out = append(out, Collaborator{
				ID:         user.GetID(),
				Login:      user.GetLogin(),
				Permission: collaboratorPermission(user),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// ListRepositoryTeams lists the teams attached to a repository.
func (c *Client) ListRepositoryTeams(ctx context.Context, owner, repo string) ([]Team, error) {
	opts := &gh.ListOptions{PerPage: 100}
	var out []Team
	for {
		teams, resp, err := c.api.Repositories.ListTeams(ctx, owner, repo, opts)
		if err != nil {
			return nil, err
		}
		for _, team := range teams {
			orgLogin := team.GetOrganization().GetLogin()
			if orgLogin == "" {
				// Repo team listings omit the org; the repo owner is it.
				orgLogin = owner
			}
			out = append(out, Team{
				ID:         team.GetID(),
				Slug:       team.GetSlug(),
				OrgLogin:   orgLogin,
				Permission: team.GetPermission(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// ListTeamMembers lists the member IDs of a team.
func (c *Client) ListTeamMembers(ctx context.Context, org, teamSlug string) ([]int64, error) {
	opts := &gh.TeamListTeamMembersOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var out []int64
	for {
		users, resp, err := c.api.Teams.ListTeamMembersBySlug(ctx, org, teamSlug, opts)
		if err != nil {
			return nil, err
		}
		for _, user := range users {
			out = append(out, user.GetID())
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// AddCollaborator grants (or raises) a collaborator permission.
func (c *Client) AddCollaborator(ctx context.Context, owner, repo, login, permission string) error {
	_, _, err := c.api.Repositories.AddCollaborator(ctx, owner, repo, login, &gh.RepositoryAddCollaboratorOptions{
		Permission: apiPermission(permission),
	})
	return err
}

// RemoveCollaborator revokes a collaborator grant.
func (c *Client) RemoveCollaborator(ctx context.Context, owner, repo, login string) error {
	_, err := c.api.Repositories.RemoveCollaborator(ctx, owner, repo, login)
	return err
}

// collaboratorPermission derives the effective permission name for one
// collaborator entry, preferring the role name the API reports.
func collaboratorPermission(user *gh.User) string {
	if role := user.GetRoleName(); role != "" {
		return role
	}
	perms := user.GetPermissions()
	switch {
	case perms["admin"]:
		return "admin"
	case perms["maintain"]:
		return "maintain"
	case perms["push"]:
		return "write"
	case perms["triage"]:
		return "triage"
	case perms["pull"]:
		return "read"
	default:
		return ""
	}
}

// apiPermission maps the canonical permission names onto the values the
// collaborator API accepts.
func apiPermission(permission string) string {
	switch permission {
	case "read":
		return "pull"
	case "write":
		return "push"
	default:
		return permission
	}
}
