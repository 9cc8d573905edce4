package main

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/kawayiYokami/angelheart/internal/biz/domain"
	"github.com/kawayiYokami/angelheart/internal/biz/usecase"
	"github.com/kawayiYokami/angelheart/internal/conf"
	"github.com/kawayiYokami/angelheart/internal/data"
	"github.com/kawayiYokami/angelheart/internal/service"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := conf.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", configPath))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	historyRepo, err := data.NewHistoryRepo(cfg.History.DBPath, logger)
	if err != nil {
		logger.Fatal("Failed to open history store", zap.Error(err))
	}
	defer historyRepo.Close()

	modelRepo := data.NewModelRepo(data.ModelConfig{
		APIKey:      cfg.Analyzer.APIKey,
		BaseURL:     cfg.Analyzer.BaseURL,
		Model:       cfg.Analyzer.Model,
		MaxTokens:   cfg.Analyzer.MaxTokens,
		Temperature: cfg.Analyzer.Temperature,
	}, logger)

	sink := service.NewChannelSink(64, logger)

	cache := usecase.NewMessageCache(usecase.CacheConfig{
		Expiry:       time.Duration(cfg.Cache.ExpirySeconds) * time.Second,
		DedupWindow:  time.Duration(cfg.Cache.DedupWindowMS) * time.Millisecond,
		PerChatLimit: cfg.Cache.PerChatLimit,
		TotalLimit:   cfg.Cache.TotalLimit,
	}, logger)

	analyzer := usecase.NewAnalyzer(modelRepo, usecase.AnalyzerConfig{
		StrategyGuide: cfg.Prompts.Analyzer.StrategyGuide,
		MaxRetries:    cfg.Analyzer.MaxRetries,
		RetryBackoff:  time.Second,
		CallTimeout:   time.Duration(cfg.Analyzer.TimeoutSeconds) * time.Second,
		PromptLogging: cfg.Analyzer.PromptLogging,
	}, logger)

	secretary := usecase.NewSecretary(cache, historyRepo, analyzer, sink, usecase.SecretaryConfig{
		WaitingTime:  cfg.Secretary.WaitingTime(),
		MentionOnly:  cfg.Secretary.AnalysisOnMentionOnly,
		Aliases:      cfg.Secretary.Aliases(),
		HistoryLimit: cfg.Secretary.HistoryLimit,
		Debug:        cfg.Debug,
	}, logger)

	proactive, err := usecase.NewProactiveManager(sink, secretary, usecase.ProactiveConfig{
		DeferInterval: time.Duration(cfg.Proactive.DeferIntervalSeconds) * time.Second,
		MaxDeferrals:  cfg.Proactive.MaxDeferrals,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to start proactive manager", zap.Error(err))
	}
	defer proactive.Cleanup()

	frontDesk := service.NewFrontDesk(cache, secretary, service.FrontDeskConfig{
		WhitelistEnabled: cfg.Whitelist.Enabled,
		ChatIDs:          cfg.Whitelist.ChatIDs,
		SlapWords:        cfg.Silence.Words(),
		SilenceDuration:  time.Duration(cfg.Silence.DurationSeconds) * time.Second,
	}, logger)

	status := service.NewStatusService(cache, secretary, proactive)

	maintenance := service.NewMaintenanceRunner(
		historyRepo,
		time.Duration(cfg.History.RetentionDays)*24*time.Hour,
		cache.PurgeExpired,
		logger,
	)
	maintenance.Start()
	defer maintenance.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// feed inbound messages from stdin, one JSON object per line:
	// {"chat_id":"g1","sender_id":"u1","sender_name":"Alice","text":"hello"}
	// an embedding host would call FrontDesk.HandleMessage directly
	go readStdinMessages(ctx, frontDesk, logger)

	// drain wake events; an embedding host would forward these to its
	// generation stage instead of logging them
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-sink.Events():
				logger.Info("generation wake-up",
					zap.String("chat_id", event.ChatID),
					zap.String("topic", event.Context.SecretaryDecision.Topic),
					zap.String("strategy", event.Context.SecretaryDecision.ReplyStrategy),
					zap.Bool("needs_search", event.Context.NeedsSearch))
			}
		}
	}()

	logger.Info("angelheart engine started",
		zap.String("model", cfg.Analyzer.Model),
		zap.Bool("mention_only", cfg.Secretary.AnalysisOnMentionOnly),
		zap.Bool("debug", cfg.Debug))

	report := status.Health()
	logger.Info("initial health", zap.Bool("ok", report.OK))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
}

type inboundMessage struct {
	ChatID     string `json:"chat_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
}

func readStdinMessages(ctx context.Context, frontDesk *service.FrontDesk, logger *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var in inboundMessage
		if err := json.Unmarshal(line, &in); err != nil {
			logger.Warn("invalid inbound message", zap.Error(err))
			continue
		}
		msg := domain.TextMessage(in.SenderID, in.SenderName, in.Text, time.Now())
		frontDesk.HandleMessage(ctx, in.ChatID, msg)
	}
}
