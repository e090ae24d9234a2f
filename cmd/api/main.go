package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crosspost/api/internal/app"
	"crosspost/api/internal/config"
	"crosspost/api/internal/events"
	"crosspost/api/internal/logging"
	"crosspost/api/internal/media"
	"crosspost/api/internal/platforms"
	"crosspost/api/internal/platforms/bluesky"
	"crosspost/api/internal/platforms/mastodon"
	"crosspost/api/internal/platforms/nanopub"
	"crosspost/api/internal/platforms/twitter"
	"crosspost/api/internal/posts"
	"crosspost/api/internal/search"
	"crosspost/api/internal/store"
)

func main() {
	cfg := config.Load()
	log := logging.New("crosspost-api", cfg.LogLevel)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}
	dataStore := store.NewPostgresStore(db)

	registry := platforms.NewRegistry(
		twitter.New(cfg.TwitterBearerToken),
		mastodon.New(cfg.MastodonServerURL, cfg.MastodonAccessToken, cfg.RootWalkDepth),
		bluesky.New(cfg.BlueskyAccessToken),
		nanopub.New(cfg.NanopubURL),
	)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	var publisher *events.Publisher
	if strings.TrimSpace(cfg.RedisURL) != "" {
		publisher, err = events.NewPublisher(cfg.RedisURL, cfg.EventStream)
		if err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		defer publisher.Close()
	} else {
		log.Info("event stream disabled, status events stay queryable in postgres")
	}

	archiver, err := media.NewArchiver(ctx, log, cfg.MediaEndpoint, cfg.MediaAccessKey, cfg.MediaSecretKey, cfg.MediaBucket, cfg.MediaUseSSL)
	if err != nil {
		log.WithError(err).Fatal("media archive connection failed")
	}
	if archiver == nil {
		log.Info("media archiving disabled")
	}

	postsService := posts.NewService(dataStore, registry, log, posts.Options{
		Search:        searchService,
		Events:        publisher,
		Media:         archiver,
		RootWalkDepth: cfg.RootWalkDepth,
		Autopost:      cfg.Autopost,
	})

	httpServer := app.NewHTTPServer(postsService, searchService, dataStore, log, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("crosspost api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown error")
	}
}
