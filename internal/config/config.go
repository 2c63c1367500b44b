package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Environment        string
	HTTPAddr           string
	DataDir            string
	DBPath             string
	DefaultConcurrency int

	SlackSigningSecret      string
	SlackBotToken           string
	SlackBotUserID          string
	SignatureToleranceSec   int
	PreFilterMaxChars       int
	RoutingMaxAttempts      int
	RoutingBackoffBaseMS    int
	DeliveryMaxAttempts     int
	DeliveryBackoffBaseMS   int
	RecoverIncompleteOnBoot bool

	LLMProvider          string // openai | anthropic
	LLMBaseURL           string
	LLMAPIKey            string
	TriageModel          string
	TriageTimeoutSec     int
	GenerationModel      string
	GenerationTimeoutSec int
	PromptsDir           string

	PreferencesTopK          int
	PreferencesMinRelevance  float64
	FactsTopK                int
	FactsMinRelevance        float64
	SummariesTopK            int
	SummariesMinRelevance    float64
	MemoryCompactionCronSpec string
	MemoryCompactionMaxAge   int // days
}

func FromEnv() Config {
	dataDir := stringOrDefault("CARELOOP_DATA_DIR", "/data")
	dbPath := stringOrDefault("CARELOOP_DB_PATH", filepath.Join(dataDir, "careloop", "meta.sqlite"))

	return Config{
		Environment:        stringOrDefault("CARELOOP_ENV", "development"),
		HTTPAddr:           stringOrDefault("CARELOOP_HTTP_ADDR", ":8080"),
		DataDir:            dataDir,
		DBPath:             dbPath,
		DefaultConcurrency: intOrDefault("CARELOOP_DEFAULT_CONCURRENCY", 5),

		SlackSigningSecret:      os.Getenv("CARELOOP_SLACK_SIGNING_SECRET"),
		SlackBotToken:           os.Getenv("CARELOOP_SLACK_BOT_TOKEN"),
		SlackBotUserID:          strings.TrimSpace(os.Getenv("CARELOOP_SLACK_BOT_USER_ID")),
		SignatureToleranceSec:   intOrDefault("CARELOOP_SIGNATURE_TOLERANCE_SECONDS", 300),
		PreFilterMaxChars:       nonNegativeIntOrDefault("CARELOOP_PREFILTER_MAX_CHARS", 3),
		RoutingMaxAttempts:      intOrDefault("CARELOOP_ROUTING_MAX_ATTEMPTS", 3),
		RoutingBackoffBaseMS:    intOrDefault("CARELOOP_ROUTING_BACKOFF_BASE_MS", 500),
		DeliveryMaxAttempts:     intOrDefault("CARELOOP_DELIVERY_MAX_ATTEMPTS", 5),
		DeliveryBackoffBaseMS:   intOrDefault("CARELOOP_DELIVERY_BACKOFF_BASE_MS", 500),
		RecoverIncompleteOnBoot: boolOrDefault("CARELOOP_RECOVER_INCOMPLETE_ON_BOOT", true),

		LLMProvider:          stringOrDefault("CARELOOP_LLM_PROVIDER", "openai"),
		LLMBaseURL:           stringOrDefault("CARELOOP_LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:            strings.TrimSpace(os.Getenv("CARELOOP_LLM_API_KEY")),
		TriageModel:          stringOrDefault("CARELOOP_TRIAGE_MODEL", "gpt-4o-mini"),
		TriageTimeoutSec:     intOrDefault("CARELOOP_TRIAGE_TIMEOUT_SECONDS", 10),
		GenerationModel:      stringOrDefault("CARELOOP_GENERATION_MODEL", "gpt-4o"),
		GenerationTimeoutSec: intOrDefault("CARELOOP_GENERATION_TIMEOUT_SECONDS", 120),
		PromptsDir:           strings.TrimSpace(os.Getenv("CARELOOP_PROMPTS_DIR")),

		PreferencesTopK:          intOrDefault("CARELOOP_PREFERENCES_TOP_K", 5),
		PreferencesMinRelevance:  floatOrDefault("CARELOOP_PREFERENCES_MIN_RELEVANCE", 0.7),
		FactsTopK:                intOrDefault("CARELOOP_FACTS_TOP_K", 10),
		FactsMinRelevance:        floatOrDefault("CARELOOP_FACTS_MIN_RELEVANCE", 0.3),
		SummariesTopK:            intOrDefault("CARELOOP_SUMMARIES_TOP_K", 3),
		SummariesMinRelevance:    floatOrDefault("CARELOOP_SUMMARIES_MIN_RELEVANCE", 0.5),
		MemoryCompactionCronSpec: stringOrDefault("CARELOOP_MEMORY_COMPACTION_CRON", "0 4 * * *"),
		MemoryCompactionMaxAge:   intOrDefault("CARELOOP_MEMORY_COMPACTION_MAX_AGE_DAYS", 30),
	}
}

func stringOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

// nonNegativeIntOrDefault accepts zero, for knobs where zero disables
// the behavior.
func nonNegativeIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func boolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func floatOrDefault(name string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
