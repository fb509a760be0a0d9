package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"care-companion/internal/agent"
	"care-companion/internal/config"
	"care-companion/internal/core"
	"care-companion/internal/db"
	httpserver "care-companion/internal/http"
	"care-companion/internal/llm"
	"care-companion/internal/reminders"
	"care-companion/internal/telegram"
	"care-companion/internal/tools"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// logger is not configured yet
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	zerolog.SetGlobalLevel(cfg.LogLevel())
	var logger zerolog.Logger
	if cfg.Log.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	logger = logger.With().Timestamp().Str("service", "care-companion").Logger()
	cfg.Watch(func(lvl zerolog.Level) {
		zerolog.SetGlobalLevel(lvl)
		logger.Info().Str("level", lvl.String()).Msg("log level changed")
	})

	if cfg.Database.URL == "" {
		logger.Fatal().Msg("database.url must be set")
	}
	if cfg.Telegram.BotToken == "" {
		logger.Fatal().Msg("telegram.bot_token must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Open database connection
	dbConn, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer dbConn.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbConn.PingContext(pingCtx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping database")
	}
	version, err := db.Migrate(ctx, dbConn)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}
	logger.Info().Int64("schema_version", version).Msg("database ready")

	repo := db.NewRepository(dbConn)
	notifier := db.NewNotifier(dbConn, cfg.Database.URL, cfg.Database.NotifyChannel, logger)
	llmClient := llm.NewOpenAIClient(cfg.LLM)

	var summarizer core.Summarizer = core.ExtractiveSummarizer{}
	if cfg.History.LLMSummaries {
		summarizer = core.NewLLMSummarizer(llmClient)
	}
	truncator := core.NewTruncator(summarizer)
	truncator.MaxTokens = cfg.History.MaxTokens
	truncator.MaxMessages = cfg.History.MaxMessages
	truncator.KeepRecent = cfg.History.KeepRecent
	truncator.SummaryMaxChars = cfg.History.SummaryMaxChars

	bot, err := telegram.NewClient(cfg.Telegram, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Telegram")
	}

	kit := tools.NewToolkit(repo, repo)
	kit.Files = bot
	kit.Chats = repo
	registry, err := kit.NewRegistry()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register tools")
	}
	careAgent := agent.New(llmClient, registry, logger)
	careAgent.MaxIterations = cfg.Agent.MaxIterations
	if cfg.Agent.ToolConcurrency > 0 {
		careAgent.Concurrency = cfg.Agent.ToolConcurrency
	}

	chat := core.NewChatService(repo, careAgent, logger)
	chat.Sessions.InactivityTimeout = cfg.Session.InactivityTimeout
	chat.Truncator = truncator
	chat.Users = repo
	chat.Events = notifier
	if cfg.Agent.SystemPrompt != "" {
		chat.SystemPrompt = cfg.Agent.SystemPrompt
	}

	extractor, err := tools.NewPrescriptionExtractor(llmClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build prescription extractor")
	}

	srv := httpserver.NewServer(chat, core.NewIdentityResolver(repo, repo), repo, bot, logger)
	srv.Photos = &httpserver.PhotoIntake{Files: bot, Store: repo, Extractor: extractor}
	srv.Events = notifier
	srv.WebhookSecret = cfg.Server.WebhookSecret

	var reminderSvc *reminders.Service
	if cfg.Reminders.Enabled {
		reminderSvc = reminders.NewService(repo, bot, cfg.Reminders, logger)
		if err := reminderSvc.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start reminders")
		}
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", httpSrv.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	// finish replies to updates that were already acknowledged
	srv.Wait()
	if reminderSvc != nil {
		reminderSvc.Stop()
	}
}
