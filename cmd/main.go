package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yungsuk53-pixel/crime/internal/bots"
	"github.com/yungsuk53-pixel/crime/internal/config"
	"github.com/yungsuk53-pixel/crime/internal/engine"
	"github.com/yungsuk53-pixel/crime/internal/game"
	"github.com/yungsuk53-pixel/crime/internal/interfaces"
	"github.com/yungsuk53-pixel/crime/internal/scenario"
	"github.com/yungsuk53-pixel/crime/internal/storage"
	"github.com/yungsuk53-pixel/crime/internal/web"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()
	if p := os.Getenv("CRIME_CONFIG"); p != "" {
		*configPath = p
	}
	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		log.Printf("Config %s not found, using defaults", *configPath)
		*configPath = ""
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	verbose := cfg.Logging.Level == "debug"
	if out := cfg.Logging.Output; out != "" && out != "stdout" {
		f, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	// Record store
	var store interfaces.Store
	if cfg.Database.MySQL.Enabled {
		mysqlStore, err := storage.NewMySQLStore(cfg.Database.MySQL, verbose)
		if err != nil {
			log.Fatalf("Failed to connect to MySQL: %v", err)
		}
		defer mysqlStore.Close()
		log.Println("MySQL connected successfully")
		store = mysqlStore
	} else {
		log.Println("MySQL disabled, sessions are kept in memory")
		store = storage.NewMemoryStore()
	}

	// Recent sessions and transition locks
	var recent interfaces.RecentSessionsRepository
	var locker interfaces.Locker
	if cfg.Database.Redis.Enabled {
		redisStore, err := storage.NewRedisStore(cfg.Database.Redis, cfg.Game.MaxRecentSessions)
		if err != nil {
			log.Printf("Warning: Failed to connect to Redis: %v", err)
		} else {
			defer redisStore.Close()
			log.Println("Redis connected successfully")
			recent, locker = redisStore, redisStore
		}
	}
	if recent == nil {
		recent = storage.NewMemoryRecentSessions(cfg.Game.MaxRecentSessions)
		locker = storage.NewLocalLocker()
	}

	catalog, err := scenario.Builtin()
	if err != nil {
		log.Fatalf("Failed to load built-in scenarios: %v", err)
	}
	if cfg.Scenario.Dir != "" {
		if err := catalog.LoadDir(cfg.Scenario.Dir); err != nil {
			log.Fatalf("Failed to load scenarios from %s: %v", cfg.Scenario.Dir, err)
		}
	}

	var narrator interfaces.Narrator = bots.PlainNarrator{}
	if cfg.Bots.OpenAI.Enabled {
		if cfg.Bots.OpenAI.APIKey == "" {
			log.Println("Warning: OpenAI narration enabled without an API key, bots post plain lines")
		} else {
			narrator = bots.NewOpenAINarrator(cfg.Bots.OpenAI)
			log.Printf("Bot narration via %s", cfg.Bots.OpenAI.Model)
		}
	}

	hub := web.NewSessionHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	eng := engine.New(engine.Options{
		Store:             store,
		Scenarios:         catalog,
		Recent:            recent,
		Locker:            locker,
		Narrator:          narrator,
		Events:            hub,
		Timeline:          timeline(cfg.Game),
		ReadyThreshold:    cfg.Game.ReadyThreshold,
		LockTTL:           cfg.Database.Redis.LockTTL,
		BotClueDelay:      cfg.Game.BotClueDelay,
		BotMessageGap:     cfg.Game.BotMessageGap,
		SessionPoll:       cfg.Game.SessionPoll,
		RosterPoll:        cfg.Game.RosterPoll,
		ChatPoll:          cfg.Game.ChatPoll,
		HeartbeatInterval: cfg.Game.HeartbeatInterval,
		Verbose:           verbose,
	})
	defer eng.Close()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      web.NewRouter(eng, hub),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("Server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// timeline applies the configured stage durations to the defaults.
func timeline(cfg config.GameConfig) game.Timeline {
	overrides := make(map[game.Stage]time.Duration)
	for _, stage := range game.StageOrder {
		if d, ok := cfg.StageDuration(string(stage)); ok {
			overrides[stage] = d
		}
	}
	return game.NewTimeline(overrides)
}
