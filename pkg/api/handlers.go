// Package api exposes the operator endpoints: manual sync, queue drain and
// repo link inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"permsync/pkg/storage"
	"permsync/pkg/syncer"
)

// SyncRunner runs permission sync passes. *syncer.Orchestrator satisfies it.
type SyncRunner interface {
	ListTargetRepos(ctx context.Context, workspaceID string, repoFilter []string, projectKeyPrefix string) ([]storage.RepoLink, error)
	SyncPermissions(ctx context.Context, workspaceID, actor string, repos []storage.RepoLink, mode syncer.Mode, dryRun bool) (*syncer.Report, error)
}

// Drainer processes queued webhook events on demand. A batch size of zero
// means the processor's configured size.
type Drainer interface {
	ProcessBatchN(ctx context.Context, batchSize int) (int, error)
}

// SyncHandler triggers a permission sync pass for one workspace.
type SyncHandler struct {
	Runner SyncRunner
	Logger *log.Logger
}

type syncRequest struct {
	WorkspaceID      string   `json:"workspace_id"`
	Repos            []string `json:"repos,omitempty"`
	ProjectKeyPrefix string   `json:"project_key_prefix,omitempty"`
	Mode             string   `json:"mode,omitempty"`
	DryRun           bool     `json:"dry_run,omitempty"`
}

func (h *SyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.WorkspaceID) == "" {
		http.Error(w, "missing workspace_id", http.StatusBadRequest)
		return
	}
	mode, err := syncer.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	repos, err := h.Runner.ListTargetRepos(r.Context(), req.WorkspaceID, req.Repos, req.ProjectKeyPrefix)
	if err != nil {
		h.logf("list target repos failed: %v", err)
		http.Error(w, "list target repos failed", http.StatusInternalServerError)
		return
	}

	report, err := h.Runner.SyncPermissions(r.Context(), req.WorkspaceID, requestActor(r), repos, mode, req.DryRun)
	if err != nil {
		h.logf("sync failed: %v", err)
		http.Error(w, "sync failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *SyncHandler) logf(format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

// DrainHandler runs one queue sweep immediately instead of waiting for the
// poll interval.
type DrainHandler struct {
	Drainer Drainer
	Logger  *log.Logger
}

type drainRequest struct {
	BatchSize int `json:"batch_size,omitempty"`
}

func (h *DrainHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// An empty body drains one batch of the configured size.
	var req drainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	processed, err := h.Drainer.ProcessBatchN(r.Context(), req.BatchSize)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Printf("drain failed: %v", err)
		}
		http.Error(w, "drain failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

// RepoLinksHandler lists repo links for a workspace.
type RepoLinksHandler struct {
	Store  storage.RepoLinkStore
	Logger *log.Logger
}

func (h *RepoLinksHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	workspaceID := strings.TrimSpace(r.URL.Query().Get("workspace_id"))
	if workspaceID == "" {
		http.Error(w, "missing workspace_id", http.StatusBadRequest)
		return
	}
	filter := storage.RepoLinkFilter{
		WorkspaceID:      workspaceID,
		ProjectKeyPrefix: strings.TrimSpace(r.URL.Query().Get("project_key_prefix")),
		ActiveOnly:       r.URL.Query().Get("active") == "true",
		LinkedOnly:       r.URL.Query().Get("linked") == "true",
	}
	links, err := h.Store.ListRepoLinks(r.Context(), filter)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Printf("list repo links failed: %v", err)
		}
		http.Error(w, "list repo links failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workspace_id": workspaceID,
		"repos":        links,
	})
}

func requestActor(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
		return actor
	}
	return "user:api"
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
