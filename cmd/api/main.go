package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lyricsync/internal/app"
	"lyricsync/internal/authpw"
	"lyricsync/internal/config"
	"lyricsync/internal/export"
	"lyricsync/internal/gitrepo"
	"lyricsync/internal/pubsub"
	"lyricsync/internal/search"
	"lyricsync/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	go searchService.ReindexAllFromPG(ctx, pgfts)

	opts := app.Options{
		Versions: gitrepo.New(cfg.ReposDir),
		Search:   searchService,
		Accounts: authpw.NewService(dataStore),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for live fan-out and presence")
		client, err := pubsub.Connect(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer client.Close()
		opts.Bus = pubsub.NewRedisBus(client)
		opts.Presence = pubsub.NewRedisPresence(client)
	} else {
		log.Printf("Using in-process live fan-out (single instance)")
	}

	exportOpts := export.Options{PandocPath: cfg.PandocPath}
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		uploader, err := export.NewS3Uploader(ctx, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			log.Printf("WARNING: export uploads disabled: %v", err)
		} else {
			exportOpts.Uploader = uploader
		}
	}
	opts.Exporter = export.NewService(exportOpts)

	if strings.TrimSpace(cfg.AnalysisURL) != "" {
		opts.Analyzer = app.NewHTTPAnalyzer(cfg.AnalysisURL, &http.Client{Timeout: cfg.AnalysisTimeout})
	}

	service := app.New(cfg, dataStore, opts)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("lyricsync API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
