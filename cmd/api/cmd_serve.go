package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"coedit/api/internal/app"
	"coedit/api/internal/archive"
	"coedit/api/internal/collab"
	"coedit/api/internal/config"
	"coedit/api/internal/events"
	"coedit/api/internal/hub"
	"coedit/api/internal/logger"
	"coedit/api/internal/presence"
	"coedit/api/internal/search"
	"coedit/api/internal/store"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := logger.New(logger.Options{File: cfg.LogFile, Level: cfg.LogLevel, Production: cfg.Production()})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	dataStore, db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if db != nil {
		cleanups = append(cleanups, func() { _ = db.Close() })
	}

	tracker, err := openTracker(cfg, log)
	if err != nil {
		return err
	}
	if closer, ok := tracker.(interface{ Close() error }); ok {
		cleanups = append(cleanups, func() { _ = closer.Close() })
	}

	publisher, closePublishers, err := openPublishers(cfg, log)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, closePublishers)

	searchService, closeSearch := openSearch(ctx, cfg, dataStore, db, log)
	cleanups = append(cleanups, closeSearch)

	archiver, revisions, err := openArchive(ctx, cfg, log)
	if err != nil {
		return err
	}

	deps := app.Deps{
		Store:         dataStore,
		Tracker:       tracker,
		Hub:           hub.New(log),
		Publisher:     publisher,
		Search:        searchService,
		Archiver:      archiver,
		SuggestionTTL: cfg.SuggestionTTL,
		Logger:        log,
	}
	if revisions != nil {
		deps.Revisions = revisions
	}
	service := app.New(deps)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("coedit API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, sessions are kept in memory")
		return store.NewMemoryStore(), nil, nil
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.Migrate(ctx, db, cfg.MigrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		log.Info("migrations applied", zap.Strings("versions", applied))
	}
	return store.NewPostgresStore(db), db, nil
}

func openTracker(cfg config.Config, log *zap.Logger) (presence.Tracker, error) {
	if cfg.RedisURL == "" {
		return presence.NewMemoryTracker(), nil
	}
	tracker, err := presence.NewRedisTracker(cfg.RedisURL, cfg.PresenceTTL)
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	log.Info("presence backed by redis", zap.Duration("ttl", cfg.PresenceTTL))
	return tracker, nil
}

func openPublishers(cfg config.Config, log *zap.Logger) (events.Publisher, func(), error) {
	var (
		publishers events.Multi
		closers    []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, closeAll, fmt.Errorf("kafka producer failed: %w", err)
		}
		publishers = append(publishers, kafka)
		closers = append(closers, func() { _ = kafka.Close() })
		log.Info("publishing events to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	if cfg.NATSURL != "" {
		nats, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, log)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("nats connection failed: %w", err)
		}
		publishers = append(publishers, nats)
		closers = append(closers, nats.Close)
	}
	if len(publishers) == 0 {
		return events.Nop{}, closeAll, nil
	}
	return publishers, closeAll, nil
}

func openSearch(ctx context.Context, cfg config.Config, dataStore store.Store, db *sql.DB, log *zap.Logger) (*search.Service, func()) {
	var fallback search.Backend = search.NewScan(dataStore)
	if db != nil {
		fallback = search.NewPgFTS(db)
	}
	if cfg.MeiliURL == "" {
		return search.NewService(nil, fallback, log), func() {}
	}
	meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey, log)
	service := search.NewService(meili, fallback, log)
	go service.ReindexAllFromPG(context.WithoutCancel(ctx))
	return service, meili.Close
}

func openArchive(ctx context.Context, cfg config.Config, log *zap.Logger) (collab.Archiver, *archive.GitArchive, error) {
	var (
		sinks archive.Multi
		git   *archive.GitArchive
	)
	if cfg.ArchiveReposDir != "" {
		if err := os.MkdirAll(cfg.ArchiveReposDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create archive repos dir: %w", err)
		}
		git = archive.NewGitArchive(cfg.ArchiveReposDir)
		sinks = append(sinks, git)
	}
	if cfg.MinIOEndpoint != "" {
		objects, err := archive.NewObjectArchive(ctx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOUseSSL)
		if err != nil {
			return nil, nil, fmt.Errorf("object storage failed: %w", err)
		}
		sinks = append(sinks, objects)
		log.Info("archiving operation logs to object storage", zap.String("bucket", cfg.MinIOBucket))
	}
	if len(sinks) == 0 {
		return nil, nil, nil
	}
	return sinks, git, nil
}
