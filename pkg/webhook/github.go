// Package webhook receives GitHub webhook deliveries, verifies their
// signatures and turns them into queued events for the worker.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"permsync/internal"
	"permsync/pkg/storage"

	ghprovider "permsync/pkg/providers/github"
	"github.com/go-playground/webhooks/v6/github"
)

// ActionSignatureFailed is the audit action recorded for rejected deliveries.
const ActionSignatureFailed = "github.webhook.signature_failed"

// GitHubHandler handles incoming webhooks from GitHub.
type GitHubHandler struct {
	hook          *github.Webhook
	secret        string
	filters       *internal.FilterEngine
	events        storage.WebhookEventStore
	installations storage.InstallationStore
	audits        storage.AuditStore
	logger        *log.Logger
	maxBody       int64
}

var githubEvents = []github.Event{
	github.CreateEvent,
	github.DeleteEvent,
	github.ForkEvent,
	github.InstallationEvent,
	github.InstallationRepositoriesEvent,
	github.IntegrationInstallationEvent,
	github.IntegrationInstallationRepositoriesEvent,
	github.MemberEvent,
	github.MembershipEvent,
	github.MetaEvent,
	github.OrganizationEvent,
	github.OrgBlockEvent,
	github.PingEvent,
	github.PublicEvent,
	github.PushEvent,
	github.RepositoryEvent,
	github.TeamEvent,
	github.TeamAddEvent,
	github.GitHubAppAuthorizationEvent,
}

// NewGitHubHandler creates a new GitHubHandler.
func NewGitHubHandler(secret string, filters *internal.FilterEngine, events storage.WebhookEventStore, installations storage.InstallationStore, audits storage.AuditStore, logger *log.Logger, maxBody int64) (*GitHubHandler, error) {
	hook, err := github.New(github.Options.Secret(secret))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &GitHubHandler{
		hook:          hook,
		secret:        secret,
		filters:       filters,
		events:        events,
		installations: installations,
		audits:        audits,
		logger:        logger,
		maxBody:       maxBody,
	}, nil
}

type ingestResponse struct {
	EventID   int64  `json:"event_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Note      string `json:"note,omitempty"`
}

// ServeHTTP handles an incoming HTTP request.
func (h *GitHubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)
	logger := internal.WithRequestID(h.logger, reqID)
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(rawBody))

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	_, err = h.hook.Parse(r, githubEvents...)
	if err != nil {
		switch {
		case errors.Is(err, github.ErrHMACVerificationFailed):
			h.reject(r, logger, eventType, deliveryID, "signature mismatch")
			w.WriteHeader(http.StatusUnauthorized)
			return
		case errors.Is(err, github.ErrEventNotFound), errors.Is(err, github.ErrMissingHubSignatureHeader):
			// The parser only checks the legacy SHA-1 header and bails before
			// verifying events outside the parse list. GitHub always sends
			// X-Hub-Signature-256, so verify that ourselves and keep going
			// with the raw payload.
			if r.Header.Get("X-Hub-Signature-256") == "" {
				h.reject(r, logger, eventType, deliveryID, "missing signature header")
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if !verifyGitHubSHA256(h.secret, rawBody, r.Header.Get("X-Hub-Signature-256")) {
				h.reject(r, logger, eventType, deliveryID, "signature mismatch")
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		default:
			logger.Printf("github parse failed: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	if eventType == "ping" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if deliveryID == "" {
		logger.Printf("github delivery without X-GitHub-Delivery rejected")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if matched, note := h.filters.Match(eventType, rawBody); matched {
		logger.Printf("event %s %s filtered out: %s", eventType, deliveryID, note)
		writeIngest(w, http.StatusOK, ingestResponse{Skipped: true, Note: note})
		return
	}

	internal.IncWebhook(eventType)
	event := storage.WebhookEvent{
		EventType:  eventType,
		DeliveryID: deliveryID,
		Payload:    rawBody,
		Status:     storage.EventQueued,
	}
	if installationID, ok, _ := ghprovider.InstallationIDFromPayload(rawBody); ok {
		event.InstallationID = installationID
		event.WorkspaceID = h.resolveWorkspace(r.Context(), installationID)
	}

	id, duplicate, err := h.events.InsertEvent(r.Context(), event)
	if err != nil {
		logger.Printf("queue insert for %s failed: %v", deliveryID, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if duplicate {
		internal.IncWebhookDuplicate(eventType)
		logger.Printf("event %s %s already queued as %d", eventType, deliveryID, id)
		writeIngest(w, http.StatusOK, ingestResponse{EventID: id, Duplicate: true})
		return
	}

	logger.Printf("event %s %s queued as %d", eventType, deliveryID, id)
	writeIngest(w, http.StatusAccepted, ingestResponse{EventID: id})
}

// resolveWorkspace maps the delivery's installation to a workspace. Unknown
// installations queue with an empty workspace so nothing is lost; the worker
// skips them.
func (h *GitHubHandler) resolveWorkspace(ctx context.Context, installationID int64) string {
	if h.installations == nil {
		return ""
	}
	record, err := h.installations.GetByInstallationID(ctx, installationID)
	if err != nil || record == nil {
		return ""
	}
	return record.WorkspaceID
}

func (h *GitHubHandler) reject(r *http.Request, logger *log.Logger, eventType, deliveryID, reason string) {
	internal.IncWebhookReject(reason)
	logger.Printf("event %s %s rejected: %s", eventType, deliveryID, reason)
	if h.audits == nil {
		return
	}
	detail, _ := json.Marshal(map[string]string{
		"event":       eventType,
		"delivery_id": deliveryID,
		"reason":      reason,
	})
	err := h.audits.RecordAudit(r.Context(), storage.AuditRecord{
		Actor:  "system:webhook",
		Action: ActionSignatureFailed,
		Target: deliveryID,
		Detail: detail,
	})
	if err != nil {
		logger.Printf("audit write for rejected delivery failed: %v", err)
	}
}

func writeIngest(w http.ResponseWriter, status int, body ingestResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-GitHub-Delivery"); id != "" {
		return id
	}
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf)
}

func verifyGitHubSHA256(secret string, body []byte, signature string) bool {
	if secret == "" || len(body) == 0 || len(signature) <= len("sha256=") {
		return false
	}
	signature = signature[len("sha256="):]
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
