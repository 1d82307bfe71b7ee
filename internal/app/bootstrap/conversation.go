package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	appconfig "github.com/wolfman30/prospecting-agent/internal/config"
	"github.com/wolfman30/prospecting-agent/internal/conversation"
	"github.com/wolfman30/prospecting-agent/internal/speech"
	"github.com/wolfman30/prospecting-agent/pkg/logging"
)

// Cleanup releases resources acquired by a Build* function.
type Cleanup func()

func noop() {}

// BuildStateStore returns the conversation store selected by STATE_BACKEND.
func BuildStateStore(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (conversation.Store, Cleanup, error) {
	if cfg == nil {
		return nil, noop, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	switch cfg.StateBackend {
	case "", appconfig.BackendFile:
		logger.Info("using file state store", "path", cfg.StateFile)
		return conversation.NewFileStore(cfg.StateFile, logger), noop, nil

	case appconfig.BackendRedis:
		client, err := BuildRedisClient(ctx, cfg, logger, true)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("using redis state store", "addr", cfg.RedisAddr)
		return conversation.NewRedisStore(client, logger), func() { _ = client.Close() }, nil

	case appconfig.BackendPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, noop, fmt.Errorf("bootstrap: DATABASE_URL is required for the postgres state store")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, fmt.Errorf("bootstrap: connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, noop, fmt.Errorf("bootstrap: ping postgres: %w", err)
		}
		logger.Info("using postgres state store")
		return conversation.NewPostgresStore(pool, logger), pool.Close, nil

	case appconfig.BackendDynamoDB:
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("using dynamodb state store", "table", cfg.StateTable)
		return conversation.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.StateTable, logger), noop, nil
	}
	return nil, noop, fmt.Errorf("bootstrap: unknown state backend %q", cfg.StateBackend)
}

// BuildLLMClient returns the generator for the configured provider, wrapped in
// the optional fallback provider and the retry policy.
func BuildLLMClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (conversation.LLMClient, Cleanup, error) {
	if cfg == nil {
		return nil, noop, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	primary, closePrimary, err := buildProvider(ctx, cfg, cfg.LLMProvider)
	if err != nil {
		return nil, noop, err
	}
	client := primary
	cleanup := closePrimary

	if fallbackName := cfg.LLMFallbackProvider; fallbackName != "" && fallbackName != cfg.LLMProvider {
		fallback, closeFallback, err := buildProvider(ctx, cfg, fallbackName)
		if err != nil {
			closePrimary()
			return nil, noop, err
		}
		client = conversation.NewFallbackLLMClient(primary, fallback, logger)
		cleanup = func() {
			closePrimary()
			closeFallback()
		}
		logger.Info("llm fallback enabled", "primary", cfg.LLMProvider, "fallback", fallbackName)
	}

	logger.Info("using llm provider", "provider", cfg.LLMProvider, "max_attempts", cfg.GenerationMaxAttempts, "timeout", cfg.GenerationTimeout)
	return conversation.NewRetryingLLMClient(client, conversation.RetryPolicy{
		Timeout:     cfg.GenerationTimeout,
		MaxAttempts: cfg.GenerationMaxAttempts,
		BaseDelay:   cfg.GenerationRetryBaseDelay,
	}, logger), cleanup, nil
}

func buildProvider(ctx context.Context, cfg *appconfig.Config, provider string) (conversation.LLMClient, Cleanup, error) {
	switch provider {
	case appconfig.ProviderGemini:
		client, err := conversation.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, noop, err
		}
		return client, func() { _ = client.Close() }, nil
	case appconfig.ProviderOpenAI:
		client, err := conversation.NewOpenAILLMClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		if err != nil {
			return nil, noop, err
		}
		return client, noop, nil
	case appconfig.ProviderBedrock:
		if strings.TrimSpace(cfg.BedrockModelID) == "" {
			return nil, noop, fmt.Errorf("bootstrap: BEDROCK_MODEL_ID is required for the bedrock provider")
		}
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, noop, err
		}
		return conversation.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID), noop, nil
	}
	return nil, noop, fmt.Errorf("bootstrap: unknown llm provider %q", provider)
}

// BuildSynthesizer returns the pitch voice pipeline, or nil when no TTS
// command is configured. With AUDIO_BUCKET set, artifacts are published to S3.
func BuildSynthesizer(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (speech.Synthesizer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if strings.TrimSpace(cfg.TTSCommand) == "" {
		logger.Info("tts command not configured; pitch will be sent as text only")
		return nil, nil
	}

	synth, err := speech.NewCommandSynthesizer(speech.CommandConfig{
		Command: cfg.TTSCommand,
		Script:  cfg.TTSScript,
		OutDir:  cfg.AudioDir,
		Timeout: cfg.TTSTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AudioBucket) == "" {
		return synth, nil
	}

	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AWSEndpointOverride != ""
	})
	logger.Info("publishing pitch audio to s3", "bucket", cfg.AudioBucket)
	return speech.NewS3Publisher(synth, client, cfg.AudioBucket, "audios"), nil
}
