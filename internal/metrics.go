package internal

import "expvar"

var (
	webhooksTotal     = expvar.NewMap("permsync_webhooks_total")
	webhookDuplicates = expvar.NewMap("permsync_webhook_duplicates_total")
	webhookRejects    = expvar.NewMap("permsync_webhook_rejects_total")
	eventsProcessed   = expvar.NewMap("permsync_events_processed_total")
	cacheLookups      = expvar.NewMap("permsync_cache_lookups_total")
	providerRetries   = expvar.NewMap("permsync_provider_retries_total")
	recomputesTotal   = expvar.NewMap("permsync_recomputes_total")
	publishErrors     = expvar.NewMap("permsync_publish_errors_total")
)

func IncWebhook(eventType string) {
	webhooksTotal.Add(eventType, 1)
}

func IncWebhookDuplicate(eventType string) {
	webhookDuplicates.Add(eventType, 1)
}

func IncWebhookReject(reason string) {
	webhookRejects.Add(reason, 1)
}

func IncEventProcessed(outcome string) {
	eventsProcessed.Add(outcome, 1)
}

func IncCacheLookup(cache, outcome string) {
	cacheLookups.Add(cache+"_"+outcome, 1)
}

func IncProviderRetry(label string) {
	providerRetries.Add(label, 1)
}

func IncRecompute(reason string) {
	recomputesTotal.Add(reason, 1)
}

func IncPublishError(driver string) {
	publishErrors.Add(driver, 1)
}
