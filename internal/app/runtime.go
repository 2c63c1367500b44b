// Package app wires configuration, stores, models, and services into
// the running process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/careloop/careloop/internal/config"
	"github.com/careloop/careloop/internal/delivery"
	"github.com/careloop/careloop/internal/httpapi"
	"github.com/careloop/careloop/internal/llm"
	"github.com/careloop/careloop/internal/llm/anthropic"
	"github.com/careloop/careloop/internal/llm/openai"
	"github.com/careloop/careloop/internal/memory"
	"github.com/careloop/careloop/internal/orchestrator"
	"github.com/careloop/careloop/internal/prompts"
	"github.com/careloop/careloop/internal/routing"
	"github.com/careloop/careloop/internal/scheduler"
	"github.com/careloop/careloop/internal/store"
)

type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *store.Store
	memory     *memory.SQLiteStore
	library    *prompts.Library
	engine     *orchestrator.Engine
	scheduler  *scheduler.Service
	httpServer *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	runStore, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := runStore.AutoMigrate(context.Background()); err != nil {
		runStore.Close()
		return nil, err
	}
	memoryStore, err := memory.NewSQLite(cfg.DBPath)
	if err != nil {
		runStore.Close()
		return nil, err
	}
	if err := memoryStore.AutoMigrate(context.Background()); err != nil {
		runStore.Close()
		memoryStore.Close()
		return nil, err
	}

	library, err := prompts.NewLibrary(cfg.PromptsDir, logger.With("component", "prompts"))
	if err != nil {
		runStore.Close()
		memoryStore.Close()
		return nil, err
	}

	triageClient, generationClient, err := buildModelClients(cfg, logger)
	if err != nil {
		runStore.Close()
		memoryStore.Close()
		return nil, err
	}

	router, err := routing.NewEngine(triageClient, generationClient, memoryStore, library, routing.Config{
		PreFilterMaxChars:       cfg.PreFilterMaxChars,
		PreferencesTopK:         cfg.PreferencesTopK,
		PreferencesMinRelevance: cfg.PreferencesMinRelevance,
		FactsTopK:               cfg.FactsTopK,
		FactsMinRelevance:       cfg.FactsMinRelevance,
		SummariesTopK:           cfg.SummariesTopK,
		SummariesMinRelevance:   cfg.SummariesMinRelevance,
	}, logger)
	if err != nil {
		runStore.Close()
		memoryStore.Close()
		return nil, err
	}

	sender := delivery.NewSender(slack.New(cfg.SlackBotToken), logger)

	engine := orchestrator.New(orchestrator.Config{
		MaxConcurrency:      cfg.DefaultConcurrency,
		RoutingMaxAttempts:  cfg.RoutingMaxAttempts,
		RoutingBackoffBase:  time.Duration(cfg.RoutingBackoffBaseMS) * time.Millisecond,
		DeliveryMaxAttempts: cfg.DeliveryMaxAttempts,
		DeliveryBackoffBase: time.Duration(cfg.DeliveryBackoffBaseMS) * time.Millisecond,
	}, runStore, router, sender, logger)

	handler := httpapi.NewRouter(httpapi.Dependencies{
		Config: cfg,
		Store:  runStore,
		Engine: engine,
		Logger: logger.With("component", "httpapi"),
	})

	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		store:   runStore,
		memory:  memoryStore,
		library: library,
		engine:  engine,
		scheduler: scheduler.New(
			cfg.MemoryCompactionCronSpec,
			time.Duration(cfg.MemoryCompactionMaxAge)*24*time.Hour,
			memoryStore,
			logger,
		),
		httpServer: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func buildModelClients(cfg config.Config, logger *slog.Logger) (llm.Client, llm.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.LLMProvider)) {
	case "openai":
		triage := openai.New(openai.Config{
			APIKey:  cfg.LLMAPIKey,
			BaseURL: cfg.LLMBaseURL,
			Model:   cfg.TriageModel,
			Timeout: time.Duration(cfg.TriageTimeoutSec) * time.Second,
		}, logger.With("component", "llm", "stage", "triage"))
		generation := openai.New(openai.Config{
			APIKey:  cfg.LLMAPIKey,
			BaseURL: cfg.LLMBaseURL,
			Model:   cfg.GenerationModel,
			Timeout: time.Duration(cfg.GenerationTimeoutSec) * time.Second,
		}, logger.With("component", "llm", "stage", "generation"))
		return triage, generation, nil
	case "anthropic":
		triage := anthropic.New(anthropic.Config{
			APIKey:  cfg.LLMAPIKey,
			BaseURL: cfg.LLMBaseURL,
			Model:   cfg.TriageModel,
			Timeout: time.Duration(cfg.TriageTimeoutSec) * time.Second,
		}, logger.With("component", "llm", "stage", "triage"))
		generation := anthropic.New(anthropic.Config{
			APIKey:  cfg.LLMAPIKey,
			BaseURL: cfg.LLMBaseURL,
			Model:   cfg.GenerationModel,
			Timeout: time.Duration(cfg.GenerationTimeoutSec) * time.Second,
		}, logger.With("component", "llm", "stage", "generation"))
		return triage, generation, nil
	default:
		return nil, nil, fmt.Errorf("unsupported llm provider %q", cfg.LLMProvider)
	}
}
