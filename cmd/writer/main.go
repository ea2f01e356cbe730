// Command writer is a terminal client for a lyricsync session. It keeps
// working offline: writes are queued in the local cache and replayed when
// the API is reachable again.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"lyricsync/internal/cache"
	"lyricsync/internal/config"
	"lyricsync/internal/remote"
	"lyricsync/internal/replay"
)

func main() {
	configPath := flag.String("config", os.Getenv("LYRICSYNC_CONFIG"), "path to the writer TOML config")
	sessionID := flag.String("session", "", "session to open on start")
	flag.Parse()

	cfg, err := config.LoadWriter(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *sessionID != "" {
		cfg.SessionID = *sessionID
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cache.Open(cfg.CachePath)
	if err != nil {
		log.Fatalf("cache open failed: %v", err)
	}
	defer store.Close()

	client, err := remote.New(remote.Options{
		BaseURL:   cfg.APIURL,
		AssistURL: cfg.AssistURL,
		Token:     cfg.Token,
		Timeout:   cfg.RequestTimeout.Duration,
	}, store)
	if err != nil {
		log.Fatalf("remote client: %v", err)
	}

	if cfg.Token == "" && cfg.Email != "" {
		resp, err := client.SignIn(ctx, cfg.Email, cfg.Password)
		if err != nil {
			log.Fatalf("sign in failed: %v", err)
		}
		cfg.Token = resp.AccessToken
		cfg.WriterID = resp.WriterID
		log.Printf("signed in as %s", resp.WriterName)
	}

	mailbox := replay.NewMailbox()
	monitor := replay.NewMonitor(client, mailbox, cfg.ProbeInterval.Duration)
	runner := replay.NewRunner(store, client, mailbox)
	client.SetScheduler(monitor)

	go monitor.Run(ctx)
	go func() {
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("replay runner stopped: %v", err)
		}
	}()

	r := &repl{
		cfg:     cfg,
		store:   store,
		client:  client,
		monitor: monitor,
		runner:  runner,
		out:     os.Stdout,
	}
	if cfg.SessionID != "" {
		if err := r.open(ctx, cfg.SessionID); err != nil {
			log.Printf("open %s: %v", cfg.SessionID, err)
		}
	}
	r.run(ctx, os.Stdin)
	r.closeSession()
}
