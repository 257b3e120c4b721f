package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"permsync/pkg/storage"
	"permsync/pkg/syncer"
)

type fakeRunner struct {
	repos     []storage.RepoLink
	report    *syncer.Report
	listErr   error
	syncErr   error
	gotFilter []string
	gotPrefix string
	gotMode   syncer.Mode
	gotActor  string
	gotDryRun bool
}

func (f *fakeRunner) ListTargetRepos(_ context.Context, _ string, repoFilter []string, prefix string) ([]storage.RepoLink, error) {
	f.gotFilter = repoFilter
	f.gotPrefix = prefix
	return f.repos, f.listErr
}

func (f *fakeRunner) SyncPermissions(_ context.Context, workspaceID, actor string, repos []storage.RepoLink, mode syncer.Mode, dryRun bool) (*syncer.Report, error) {
	f.gotMode = mode
	f.gotActor = actor
	f.gotDryRun = dryRun
	if f.syncErr != nil {
		return nil, f.syncErr
	}
	if f.report != nil {
		return f.report, nil
	}
	return &syncer.Report{WorkspaceID: workspaceID, Mode: mode, DryRun: dryRun}, nil
}

func TestSyncHandler(t *testing.T) {
	runner := &fakeRunner{
		repos: []storage.RepoLink{{WorkspaceID: "ws1", RepoID: 1, FullName: "acme/api", ProjectID: "p1", Active: true}},
	}
	handler := &SyncHandler{Runner: runner}

	body := `{"workspace_id":"ws1","repos":["acme/API"],"mode":"add_and_remove","dry_run":true}`
	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(body))
	req.Header.Set("X-Actor", "user:alice")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if runner.gotMode != syncer.ModeAddRemove || !runner.gotDryRun {
		t.Fatalf("mode=%q dryRun=%v", runner.gotMode, runner.gotDryRun)
	}
	if runner.gotActor != "user:alice" {
		t.Fatalf("actor = %q", runner.gotActor)
	}
	if len(runner.gotFilter) != 1 || runner.gotFilter[0] != "acme/API" {
		t.Fatalf("repo filter = %v", runner.gotFilter)
	}

	var report syncer.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.WorkspaceID != "ws1" || !report.DryRun {
		t.Fatalf("report: %+v", report)
	}
}

func TestSyncHandlerValidation(t *testing.T) {
	handler := &SyncHandler{Runner: &fakeRunner{}}

	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(`{"workspace_id":""}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing workspace: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(`{"workspace_id":"ws1","mode":"replace"}`))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad mode: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sync", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method: %d", rec.Code)
	}
}

func TestSyncHandlerListFailure(t *testing.T) {
	handler := &SyncHandler{Runner: &fakeRunner{listErr: errors.New("db down")}}
	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader(`{"workspace_id":"ws1"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

type fakeDrainer struct {
	processed int
	err       error
	gotBatch  int
}

func (f *fakeDrainer) ProcessBatchN(_ context.Context, batchSize int) (int, error) {
	f.gotBatch = batchSize
	return f.processed, f.err
}

func TestDrainHandler(t *testing.T) {
	drainer := &fakeDrainer{processed: 3}
	handler := &DrainHandler{Drainer: drainer}
	req := httptest.NewRequest(http.MethodPost, "/api/drain", strings.NewReader(`{"batch_size":5}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if drainer.gotBatch != 5 {
		t.Fatalf("batch size = %d", drainer.gotBatch)
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["processed"] != 3 {
		t.Fatalf("body: %v", body)
	}
}

func TestDrainHandlerEmptyBody(t *testing.T) {
	drainer := &fakeDrainer{processed: 1}
	handler := &DrainHandler{Drainer: drainer}
	req := httptest.NewRequest(http.MethodPost, "/api/drain", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	// no body means the processor's configured size
	if drainer.gotBatch != 0 {
		t.Fatalf("batch size = %d", drainer.gotBatch)
	}
}

type fakeLinkStore struct {
	storage.RepoLinkStore
	links     []storage.RepoLink
	gotFilter storage.RepoLinkFilter
}

func (f *fakeLinkStore) ListRepoLinks(_ context.Context, filter storage.RepoLinkFilter) ([]storage.RepoLink, error) {
	f.gotFilter = filter
	return f.links, nil
}

func TestRepoLinksHandler(t *testing.T) {
	store := &fakeLinkStore{links: []storage.RepoLink{
		{WorkspaceID: "ws1", RepoID: 1, FullName: "acme/api", ProjectID: "p1", Active: true},
	}}
	handler := &RepoLinksHandler{Store: store}

	req := httptest.NewRequest(http.MethodGet, "/api/repos?workspace_id=ws1&active=true&linked=true", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !store.gotFilter.ActiveOnly || !store.gotFilter.LinkedOnly || store.gotFilter.WorkspaceID != "ws1" {
		t.Fatalf("filter: %+v", store.gotFilter)
	}
	if !strings.Contains(rec.Body.String(), "acme/api") {
		t.Fatalf("body: %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/repos", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing workspace: %d", rec.Code)
	}
}
