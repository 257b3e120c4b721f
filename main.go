package main

import (
	"context"
	"errors"
	"expvar"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"permsync/internal"
	"permsync/pkg/api"
	ghapi "permsync/pkg/providers/github"
	"permsync/pkg/storage/audits"
	"permsync/pkg/storage/events"
	"permsync/pkg/storage/installations"
	"permsync/pkg/storage/permcache"
	"permsync/pkg/storage/repolinks"
	"permsync/pkg/storage/sqldb"
	"permsync/pkg/syncer"
	"permsync/pkg/webhook"
	"permsync/pkg/worker"
)

func main() {
	logger := internal.NewLogger("server")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	db, err := sqldb.Open(sqldb.Config{
		Driver:      config.Storage.Driver,
		DSN:         config.Storage.DSN,
		AutoMigrate: config.Storage.AutoMigrate,
	})
	if err != nil {
		logger.Fatalf("open storage: %v", err)
	}
	defer func() {
		if err := sqldb.Close(db); err != nil {
			logger.Printf("close storage: %v", err)
		}
	}()

	installationStore, err := installations.New(db, config.Storage.Tables.Installations, config.Storage.AutoMigrate)
	if err != nil {
		logger.Fatalf("installation store: %v", err)
	}
	repoLinkStore, err := repolinks.New(db, config.Storage.Tables.RepoLinks, config.Storage.AutoMigrate)
	if err != nil {
		logger.Fatalf("repo link store: %v", err)
	}
	cacheStore, err := permcache.New(db, config.Storage.Tables.RepoTeamsCache, config.Storage.Tables.TeamMembersCache, config.Storage.AutoMigrate)
	if err != nil {
		logger.Fatalf("permission cache store: %v", err)
	}
	eventStore, err := events.New(db, config.Storage.Tables.WebhookEvents, config.Storage.AutoMigrate)
	if err != nil {
		logger.Fatalf("event store: %v", err)
	}
	auditStore, err := audits.New(db, config.Storage.Tables.Audits, config.Storage.AutoMigrate)
	if err != nil {
		logger.Fatalf("audit store: %v", err)
	}

	filterEngine, err := internal.NewFilterEngine(config.IngestFilters, internal.NewLogger("filters"))
	if err != nil {
		logger.Fatalf("compile ingest filters: %v", err)
	}

	publisher, err := internal.NewPublisher(config.Publisher)
	if err != nil {
		logger.Fatalf("publisher: %v", err)
	}
	defer publisher.Close()

	appCfg := ghapi.AppConfig{
		AppID:          config.GitHub.App.AppID,
		PrivateKeyPath: config.GitHub.App.PrivateKeyPath,
		BaseURL:        config.GitHub.App.BaseURL,
	}
	service := &syncer.Service{
		RepoLinks: repoLinkStore,
		Cache:     cacheStore,
		Audit:     auditStore,
		Logger:    internal.NewLogger("syncer"),
		Clients: func(ctx context.Context, workspaceID string) (syncer.ProviderClient, error) {
			record, err := installationStore.GetByWorkspace(ctx, workspaceID)
			if err != nil {
				return nil, err
			}
			if record == nil {
				return nil, errors.New("no installation for workspace " + workspaceID)
			}
			return ghapi.NewAppClient(ctx, appCfg, record.InstallationID)
		},
		RepoTeamsTTL:   time.Duration(config.Cache.RepoTeamsTTLSeconds) * time.Second,
		TeamMembersTTL: time.Duration(config.Cache.TeamMembersTTLSeconds) * time.Second,
	}

	processor := &worker.Processor{
		Events:        eventStore,
		Installations: installationStore,
		RepoLinks:     repoLinkStore,
		Audits:        auditStore,
		Dispatcher: &worker.Dispatcher{
			RepoLinks: repoLinkStore,
			Cache:     cacheStore,
			Audits:    auditStore,
			Logger:    internal.NewLogger("dispatch"),
		},
		Debounce:     worker.NewDebouncer(time.Duration(config.Debounce.WindowMS) * time.Millisecond),
		Syncer:       service,
		Publisher:    publisher,
		Logger:       internal.NewLogger("worker"),
		BatchSize:    config.Queue.BatchSize,
		PollInterval: time.Duration(config.Queue.PollIntervalMS) * time.Millisecond,
		DefaultMode:  syncer.Mode(config.Sync.DefaultMode),
	}

	ghHandler, err := webhook.NewGitHubHandler(
		config.GitHub.WebhookSecret,
		filterEngine,
		eventStore,
		installationStore,
		auditStore,
		internal.NewLogger("webhook"),
		config.Server.MaxBodyBytes,
	)
	if err != nil {
		logger.Fatalf("github handler: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle(config.GitHub.WebhookPath, ghHandler)
	mux.Handle("/api/sync", &api.SyncHandler{Runner: service, Logger: internal.NewLogger("api")})
	mux.Handle("/api/drain", &api.DrainHandler{Drainer: processor, Logger: internal.NewLogger("api")})
	mux.Handle("/api/repos", &api.RepoLinksHandler{Store: repoLinkStore, Logger: internal.NewLogger("api")})
	if config.Server.MetricsEnabled {
		mux.Handle(config.Server.MetricsPath, expvar.Handler())
		logger.Printf("metrics enabled on %s", config.Server.MetricsPath)
	}

	var handler http.Handler = mux
	if config.Server.RateLimitRPS > 0 {
		handler = internal.NewRateLimitHandler(handler, config.Server.RateLimitRPS, config.Server.RateLimitBurst, 10*time.Minute)
	}

	addr := ":" + strconv.Itoa(config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       time.Duration(config.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:      time.Duration(config.Server.WriteTimeoutMS) * time.Millisecond,
		IdleTimeout:       time.Duration(config.Server.IdleTimeoutMS) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(config.Server.ReadHeaderMS) * time.Millisecond,
	}

	runCtx, stopWorker := context.WithCancel(context.Background())
	go func() {
		if err := processor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("worker stopped: %v", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Printf("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	<-shutdown
	stopWorker()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}
