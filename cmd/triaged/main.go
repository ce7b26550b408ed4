package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/avoline/triage/common/environment"
	"github.com/avoline/triage/common/version"
	"github.com/avoline/triage/internal/triage/app"
	"github.com/avoline/triage/internal/triage/backend"
	"github.com/avoline/triage/internal/triage/channel"
	"github.com/avoline/triage/internal/triage/classify"
	"github.com/avoline/triage/internal/triage/notify"
	"github.com/avoline/triage/internal/triage/respond"
	"github.com/avoline/triage/internal/triage/webhook"
)

func main() {
	fmt.Printf("Triage Engine\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	setupLogging()
	config := loadConfig()

	// The reviewer API and the webhook ingress are both unusable without
	// credentials, so refuse to start half-configured.
	if config.ReviewerToken == "" {
		fmt.Fprintf(os.Stderr, "Error: TRIAGE_REVIEWER_TOKEN is required\n")
		os.Exit(1)
	}
	if len(config.Webhook.HMACSecret) == 0 && config.Webhook.BearerToken == "" {
		fmt.Fprintf(os.Stderr, "Error: TRIAGE_WEBHOOK_SECRET or TRIAGE_WEBHOOK_TOKEN is required\n")
		os.Exit(1)
	}
	if config.Chatwoot.BaseURL == "" || config.Chatwoot.AccessToken == "" {
		fmt.Fprintf(os.Stderr, "Error: TRIAGE_CHATWOOT_URL and TRIAGE_CHATWOOT_TOKEN are required\n")
		os.Exit(1)
	}

	service, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize triage engine: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := service.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running triage engine: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging configures the process-wide slog handler from
// TRIAGE_LOG_LEVEL (debug, info, warn, error) and TRIAGE_LOG_FORMAT
// (text, json).
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(environment.StringOr("TRIAGE_LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if environment.StringOr("TRIAGE_LOG_FORMAT", "text") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadConfig loads configuration from environment variables.
func loadConfig() *app.Config {
	openAIKey := environment.StringOr("TRIAGE_OPENAI_API_KEY", "")
	openAIBase := environment.StringOr("TRIAGE_OPENAI_BASE_URL", "")

	return &app.Config{
		DatabasePath: environment.StringOr("TRIAGE_DB_PATH", "./triage.db"),
		HTTPAddr:     environment.StringOr("TRIAGE_HTTP_ADDR", ":8080"),
		ToolsetPath:  environment.StringOr("TRIAGE_TOOLSET_PATH", ""),

		Webhook: webhook.Config{
			HMACSecret:  []byte(environment.StringOr("TRIAGE_WEBHOOK_SECRET", "")),
			BearerToken: environment.StringOr("TRIAGE_WEBHOOK_TOKEN", ""),
			RateLimit:   environment.IntOr("TRIAGE_WEBHOOK_RATE_LIMIT", 0),
		},
		ReviewerToken: environment.StringOr("TRIAGE_REVIEWER_TOKEN", ""),

		ApprovalTTL:    environment.DurationOr("TRIAGE_APPROVAL_TTL", 0),
		SweepInterval:  environment.DurationOr("TRIAGE_SWEEP_INTERVAL", 0),
		EventRetention: environment.DurationOr("TRIAGE_EVENT_RETENTION", 0),
		Workers:        environment.IntOr("TRIAGE_WORKERS", 0),

		Classifier: classify.OpenAIConfig{
			APIKey:              openAIKey,
			BaseURL:             openAIBase,
			Model:               environment.StringOr("TRIAGE_CLASSIFIER_MODEL", ""),
			PromptCostPer1K:     environment.FloatOr("TRIAGE_PROMPT_COST_PER_1K", 0),
			CompletionCostPer1K: environment.FloatOr("TRIAGE_COMPLETION_COST_PER_1K", 0),
		},
		Responder: respond.OpenAIConfig{
			APIKey:              openAIKey,
			BaseURL:             openAIBase,
			Model:               environment.StringOr("TRIAGE_RESPONDER_MODEL", ""),
			PromptCostPer1K:     environment.FloatOr("TRIAGE_PROMPT_COST_PER_1K", 0),
			CompletionCostPer1K: environment.FloatOr("TRIAGE_COMPLETION_COST_PER_1K", 0),
		},

		Backend: backend.Config{
			BaseURL: environment.StringOr("TRIAGE_BACKEND_URL", ""),
			APIKey:  environment.StringOr("TRIAGE_BACKEND_API_KEY", ""),
		},
		Chatwoot: channel.Config{
			BaseURL:     environment.StringOr("TRIAGE_CHATWOOT_URL", ""),
			AccountID:   environment.StringOr("TRIAGE_CHATWOOT_ACCOUNT_ID", "1"),
			AccessToken: environment.StringOr("TRIAGE_CHATWOOT_TOKEN", ""),
		},
		Matrix: notify.Config{
			Homeserver:  environment.StringOr("TRIAGE_MATRIX_HOMESERVER", ""),
			UserID:      environment.StringOr("TRIAGE_MATRIX_USER_ID", ""),
			AccessToken: environment.StringOr("TRIAGE_MATRIX_ACCESS_TOKEN", ""),
			OpsRoom:     environment.StringOr("TRIAGE_MATRIX_OPS_ROOM", ""),
		},

		KafkaBrokers: environment.StringSliceOr("TRIAGE_KAFKA_BROKERS", nil),
		KafkaTopic:   environment.StringOr("TRIAGE_KAFKA_TOPIC", "triage.session-traces"),
	}
}
