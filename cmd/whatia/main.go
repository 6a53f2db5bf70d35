package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ak-intelligence/whatia/internal/api"
	"github.com/ak-intelligence/whatia/internal/billing"
	"github.com/ak-intelligence/whatia/internal/bot"
	"github.com/ak-intelligence/whatia/internal/genai"
	"github.com/ak-intelligence/whatia/internal/messaging"
	"github.com/ak-intelligence/whatia/internal/models"
	"github.com/ak-intelligence/whatia/internal/store"
	"github.com/ak-intelligence/whatia/internal/tokens"
	"github.com/ak-intelligence/whatia/internal/transcribe"
	"github.com/ak-intelligence/whatia/internal/twiliowhatsapp"
	"github.com/ak-intelligence/whatia/internal/util"
)

// Transcriber backend selectors.
const (
	transcriberAssemblyAI = "assemblyai"
	transcriberWhisper    = "whisper"
	transcriberOff        = "off"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.Env)

	flags := parseCommandLineFlags(config)

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	twilioClient, err := twiliowhatsapp.NewClient()
	if err != nil {
		slog.Error("Failed to initialize Twilio client", "error", err)
		os.Exit(1)
	}
	msgService := messaging.NewTwilioService(twilioClient)
	defer msgService.Stop()

	model, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		slog.Error("Failed to initialize GenAI client", "error", err)
		os.Exit(1)
	}

	transcriber, err := buildTranscriber(flags)
	if err != nil {
		slog.Error("Failed to initialize transcriber", "error", err)
		os.Exit(1)
	}

	counter := tokens.NewCounter(*flags.model)
	orchestrator := bot.NewOrchestrator(st, msgService, model, counter, buildBotOptions(flags, transcriber)...)

	billingSvc, err := billing.NewService(st, msgService)
	if err != nil {
		slog.Error("Failed to initialize billing service", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(orchestrator, billingSvc, st, buildAPIOptions(flags)...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping WhatIA", "addr", *flags.apiAddr, "env", config.Env)
	if err := server.Run(ctx); err != nil {
		slog.Error("WhatIA failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("WhatIA exited successfully")
}

// Config holds environment configuration
type Config struct {
	Env              string
	DatabaseURL      string
	APIAddr          string
	OpenAIKey        string
	Model            string
	Transcriber      string
	AssemblyAIKey    string
	Website          string
	HistoryTTL       time.Duration
	FreeTrialLimit   int
	MaxInboundTokens int
	MaxReplyTokens   int
	MaxReplyTrial    int
	ChunkMaxLen      int
	CallsPerMinute   int
}

// Flags holds command line flag values
type Flags struct {
	dbDSN            *string
	apiAddr          *string
	openaiKey        *string
	model            *string
	transcriber      *string
	assemblyAIKey    *string
	website          *string
	historyTTL       *time.Duration
	freeTrialLimit   *int
	maxInboundTokens *int
	maxReplyTokens   *int
	maxReplyTrial    *int
	chunkMaxLen      *int
	callsPerMinute   *int
}

// initializeLogger sets up structured logging. Production keeps info level,
// anything else enables debug output.
func initializeLogger(env string) {
	level := slog.LevelDebug
	if env == "production" {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		Env:              os.Getenv("ENV_WHATIA"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		APIAddr:          os.Getenv("API_ADDR"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		Model:            os.Getenv("OPENAI_MODEL"),
		Transcriber:      os.Getenv("TRANSCRIBER"),
		AssemblyAIKey:    os.Getenv("ASSEMBLYAI_API_KEY"),
		Website:          os.Getenv("WHATIA_WEBSITE"),
		HistoryTTL:       util.ParseDurationEnv("HISTORY_TTL", models.DefaultHistoryTTL),
		FreeTrialLimit:   util.ParseIntEnv("FREE_TRIAL_LIMIT", models.DefaultFreeTrialLimit),
		MaxInboundTokens: util.ParseIntEnv("MAX_TOKEN_LENGTH", models.DefaultMaxInboundTokens),
		MaxReplyTokens:   util.ParseIntEnv("MAX_REPLY_TOKENS", genai.DefaultMaxReplyTokens),
		MaxReplyTrial:    util.ParseIntEnv("MAX_REPLY_TOKENS_TRIAL", genai.DefaultMaxReplyTokens/2),
		ChunkMaxLen:      util.ParseIntEnv("CHUNK_MAX_LEN", models.DefaultChunkMaxLen),
		CallsPerMinute:   util.ParseIntEnv("OPENAI_CALLS_PER_MINUTE", genai.DefaultCallsPerMinute),
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.Transcriber == "" {
		config.Transcriber = transcriberOff
	}

	slog.Debug("environment variables loaded",
		"ENV_WHATIA", config.Env,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TRANSCRIBER", config.Transcriber,
		"FREE_TRIAL_LIMIT", config.FreeTrialLimit)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		dbDSN:            flag.String("db-dsn", config.DatabaseURL, "database DSN for the user store (overrides $DATABASE_URL)"),
		apiAddr:          flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		openaiKey:        flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		model:            flag.String("model", config.Model, "chat model name (overrides $OPENAI_MODEL)"),
		transcriber:      flag.String("transcriber", config.Transcriber, "voice transcriber backend: assemblyai, whisper or off (overrides $TRANSCRIBER)"),
		assemblyAIKey:    flag.String("assemblyai-api-key", config.AssemblyAIKey, "AssemblyAI API key (overrides $ASSEMBLYAI_API_KEY)"),
		website:          flag.String("website", config.Website, "subscription page URL shown to blocked users (overrides $WHATIA_WEBSITE)"),
		historyTTL:       flag.Duration("history-ttl", config.HistoryTTL, "conversation history lifetime (overrides $HISTORY_TTL)"),
		freeTrialLimit:   flag.Int("free-trial-limit", config.FreeTrialLimit, "answered turns before the trial gate closes (overrides $FREE_TRIAL_LIMIT)"),
		maxInboundTokens: flag.Int("max-token-length", config.MaxInboundTokens, "inbound question token ceiling (overrides $MAX_TOKEN_LENGTH)"),
		maxReplyTokens:   flag.Int("max-reply-tokens", config.MaxReplyTokens, "reply token budget for subscribed users (overrides $MAX_REPLY_TOKENS)"),
		maxReplyTrial:    flag.Int("max-reply-tokens-trial", config.MaxReplyTrial, "reply token budget for trial users (overrides $MAX_REPLY_TOKENS_TRIAL)"),
		chunkMaxLen:      flag.Int("chunk-max-len", config.ChunkMaxLen, "outbound message size limit (overrides $CHUNK_MAX_LEN)"),
		callsPerMinute:   flag.Int("openai-calls-per-minute", config.CallsPerMinute, "model call rate limit (overrides $OPENAI_CALLS_PER_MINUTE)"),
	}
	flag.Parse()
	return flags
}

// buildStore opens the user store matching the configured DSN. Without a DSN
// the in-memory store is used, which loses state on restart.
func buildStore(flags Flags) (store.Store, error) {
	if *flags.dbDSN == "" {
		slog.Warn("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.model))
	}
	if *flags.callsPerMinute > 0 {
		genaiOpts = append(genaiOpts, genai.WithCallsPerMinute(*flags.callsPerMinute))
	}
	return genaiOpts
}

// buildTranscriber constructs the configured voice transcriber, nil when off.
func buildTranscriber(flags Flags) (transcribe.Transcriber, error) {
	switch *flags.transcriber {
	case transcriberAssemblyAI:
		return transcribe.NewAssemblyAI(*flags.assemblyAIKey)
	case transcriberWhisper:
		return transcribe.NewWhisper(*flags.openaiKey)
	case transcriberOff, "":
		slog.Debug("Voice transcription disabled")
		return nil, nil
	default:
		slog.Warn("Unknown transcriber backend, disabling transcription", "backend", *flags.transcriber)
		return nil, nil
	}
}

// buildBotOptions constructs orchestrator configuration options
func buildBotOptions(flags Flags, transcriber transcribe.Transcriber) []bot.Option {
	botOpts := []bot.Option{
		bot.WithHistoryTTL(*flags.historyTTL),
		bot.WithFreeTrialLimit(*flags.freeTrialLimit),
		bot.WithMaxInboundTokens(*flags.maxInboundTokens),
		bot.WithMaxReplyTokens(*flags.maxReplyTokens, *flags.maxReplyTrial),
		bot.WithChunkMaxLen(*flags.chunkMaxLen),
	}
	if *flags.website != "" {
		botOpts = append(botOpts, bot.WithWebsite(*flags.website))
	}
	if transcriber != nil {
		botOpts = append(botOpts, bot.WithTranscriber(transcriber))
	}
	return botOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
