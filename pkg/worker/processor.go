package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"permsync/internal"
	"permsync/pkg/storage"
	"permsync/pkg/syncer"
)

// ActionRecomputed is the audit action recorded after a webhook-driven
// recompute pass.
const ActionRecomputed = "github.permissions.recomputed"

// WebhookActor identifies webhook-driven changes in audits and reports.
const WebhookActor = "system:webhook"

// Syncer runs permission sync passes. Both *syncer.Orchestrator and
// *syncer.Service satisfy it.
type Syncer interface {
	SyncPermissions(ctx context.Context, workspaceID, actor string, repos []storage.RepoLink, mode syncer.Mode, dryRun bool) (*syncer.Report, error)
}

// RoleMapper re-applies workspace role mappings for teams whose membership or
// attachments changed. The role surface lives outside this service;
// implementations bridge to it. Only consulted for workspaces with team role
// mapping enabled.
type RoleMapper interface {
	ApplyTeamRoleMappings(ctx context.Context, workspaceID string, teamIDs []int64) error
}

// Processor drains the webhook event queue: it claims queued events, lets the
// dispatcher apply their side effects, and runs permission sync for the repos
// the event touched. Multiple processors may run against the same queue; the
// claim step keeps each event with exactly one of them.
type Processor struct {
	Events        storage.WebhookEventStore
	Installations storage.InstallationStore
	RepoLinks     storage.RepoLinkStore
	Audits        storage.AuditStore
	Dispatcher    *Dispatcher
	Debounce      *Debouncer
	Syncer        Syncer
	Roles         RoleMapper
	Publisher     internal.Publisher
	Logger        *log.Logger

	BatchSize    int
	PollInterval time.Duration
	DefaultMode  syncer.Mode
}

// Run polls the queue until the context is canceled.
func (p *Processor) Run(ctx context.Context) error {
	interval := p.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil {
				p.logf("queue sweep failed: %v", err)
			}
			p.Debounce.Prune()
		}
	}
}

// ProcessBatch claims and processes up to BatchSize queued events. It returns
// how many events this processor actually handled.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	return p.ProcessBatchN(ctx, p.BatchSize)
}

// ProcessBatchN is ProcessBatch with an explicit batch size. Zero or negative
// falls back to the configured size.
func (p *Processor) ProcessBatchN(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = p.BatchSize
	}
	if batch <= 0 {
		batch = 50
	}
	events, err := p.Events.ListQueued(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("list queued events: %w", err)
	}

	processed := 0
	for _, event := range events {
		claimed, err := p.Events.ClaimEvent(ctx, event.ID)
		if err != nil {
			p.logf("claim event %d: %v", event.ID, err)
			continue
		}
		if !claimed {
			continue
		}
		p.processEvent(ctx, event)
		processed++
	}
	return processed, nil
}

// processEvent runs one claimed event to done or failed. A failure of one
// event never stops the batch.
func (p *Processor) processEvent(ctx context.Context, event storage.WebhookEvent) {
	if event.WorkspaceID == "" {
		// Unknown installation: keep the delivery trail but apply nothing.
		// The dispatcher's writes all need a workspace.
		p.done(ctx, event, 0)
		return
	}

	outcome, err := p.Dispatcher.Dispatch(ctx, event)
	if err != nil {
		p.fail(ctx, event, err)
		return
	}

	if outcome.Reason == "" || (len(outcome.RepoIDs) == 0 && len(outcome.TeamIDs) == 0) {
		p.done(ctx, event, 0)
		return
	}

	record, err := p.Installations.GetByWorkspace(ctx, event.WorkspaceID)
	if err != nil {
		p.fail(ctx, event, err)
		return
	}
	if record == nil {
		p.done(ctx, event, 0)
		return
	}

	if record.TeamRoleMapping && p.Roles != nil && len(outcome.TeamIDs) > 0 {
		// Best effort; a role surface failure never blocks the grant sync.
		if err := p.Roles.ApplyTeamRoleMappings(ctx, event.WorkspaceID, outcome.TeamIDs); err != nil {
			p.logf("role mapping for event %d failed: %v", event.ID, err)
		}
	}

	if !record.PermissionSyncEnabled {
		p.done(ctx, event, 0)
		return
	}

	allowed := p.Debounce.Filter(event.WorkspaceID, outcome.RepoIDs)
	if len(allowed) == 0 {
		p.done(ctx, event, 0)
		return
	}

	links, err := p.RepoLinks.ListRepoLinks(ctx, storage.RepoLinkFilter{
		WorkspaceID: event.WorkspaceID,
		RepoIDs:     allowed,
		ActiveOnly:  true,
		LinkedOnly:  true,
	})
	if err != nil {
		p.fail(ctx, event, err)
		return
	}
	if len(links) == 0 {
		p.done(ctx, event, 0)
		return
	}

	mode, err := syncer.ParseMode(record.SyncMode)
	if err != nil {
		mode = p.DefaultMode
	}
	if mode == "" {
		mode = syncer.ModeAdd
	}

	internal.IncRecompute(outcome.Reason)
	report, err := p.Syncer.SyncPermissions(ctx, event.WorkspaceID, WebhookActor, links, mode, false)
	if err != nil {
		p.fail(ctx, event, err)
		return
	}

	synced := 0
	firstErr := ""
	for _, repo := range report.Repos {
		if repo.Error == "" {
			synced++
		} else if firstErr == "" {
			firstErr = fmt.Sprintf("%s: %s", repo.FullName, repo.Error)
		}
	}
	if synced == 0 && firstErr != "" {
		p.fail(ctx, event, fmt.Errorf("all repos failed: %s", firstErr))
		return
	}

	p.recordRecompute(ctx, event, outcome, mode, report, synced)
	p.publish(ctx, event, outcome, mode, links)
	p.done(ctx, event, synced)
}

func (p *Processor) recordRecompute(ctx context.Context, event storage.WebhookEvent, outcome Outcome, mode syncer.Mode, report *syncer.Report, synced int) {
	if p.Audits == nil {
		return
	}
	detail, err := json.Marshal(map[string]interface{}{
		"delivery_id": event.DeliveryID,
		"event":       event.EventType,
		"reason":      outcome.Reason,
		"mode":        mode,
		"repos":       synced,
		"warnings":    len(report.Warnings),
	})
	if err != nil {
		return
	}
	auditErr := p.Audits.RecordAudit(ctx, storage.AuditRecord{
		WorkspaceID: event.WorkspaceID,
		Actor:       WebhookActor,
		Action:      ActionRecomputed,
		Target:      event.DeliveryID,
		Detail:      detail,
	})
	if auditErr != nil {
		p.logf("audit write for event %d failed: %v", event.ID, auditErr)
	}
}

func (p *Processor) publish(ctx context.Context, event storage.WebhookEvent, outcome Outcome, mode syncer.Mode, links []storage.RepoLink) {
	if p.Publisher == nil {
		return
	}
	repos := make([]string, 0, len(links))
	for _, link := range links {
		repos = append(repos, link.FullName)
	}
	topic := internal.TopicPermissionsRecomputed
	if outcome.Reason == ReasonInstallationUpdate {
		topic = internal.TopicReposSynced
	}
	err := p.Publisher.Publish(ctx, topic, internal.Outcome{
		WorkspaceID: event.WorkspaceID,
		DeliveryID:  event.DeliveryID,
		Reason:      outcome.Reason,
		Repos:       repos,
		Mode:        string(mode),
		Actor:       WebhookActor,
	})
	if err != nil {
		internal.IncPublishError(topic)
		p.logf("publish %s for event %d failed: %v", topic, event.ID, err)
	}
}

func (p *Processor) done(ctx context.Context, event storage.WebhookEvent, affected int) {
	if err := p.Events.MarkDone(ctx, event.ID, affected); err != nil {
		p.logf("mark done %d: %v", event.ID, err)
		return
	}
	internal.IncEventProcessed("done")
}

func (p *Processor) fail(ctx context.Context, event storage.WebhookEvent, cause error) {
	p.logf("event %d (%s %s) failed: %v", event.ID, event.EventType, event.DeliveryID, cause)
	if err := p.Events.MarkFailed(ctx, event.ID, cause.Error()); err != nil {
		p.logf("mark failed %d: %v", event.ID, err)
		return
	}
	internal.IncEventProcessed("failed")
}

func (p *Processor) logf(format string, args ...interface{}) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}
