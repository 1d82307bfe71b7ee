package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LLM providers understood by the bootstrap layer.
const (
	ProviderGemini  = "gemini"
	ProviderOpenAI  = "openai"
	ProviderBedrock = "bedrock"
)

// State backends understood by the bootstrap layer.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

// Config holds application configuration
type Config struct {
	Env      string
	LogLevel string

	LLMProvider         string
	LLMFallbackProvider string
	GeminiAPIKey        string
	GeminiModel         string
	OpenAIAPIKey        string
	OpenAIModel         string
	BedrockModelID      string

	GenerationTimeout        time.Duration
	GenerationMaxAttempts    int
	GenerationRetryBaseDelay time.Duration

	FollowupDelay time.Duration

	StateBackend  string
	StateFile     string
	StateTable    string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	TTSCommand  string
	TTSScript   string
	TTSTimeout  time.Duration
	AudioDir    string
	AudioBucket string

	LeadsFile        string
	LeadIndex        int
	PromptsFile      string
	GreetingTimezone string
	AgentName        string

	MetricsAddr string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		LLMProvider:         strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", ProviderGemini))),
		LLMFallbackProvider: strings.ToLower(strings.TrimSpace(getEnv("LLM_FALLBACK_PROVIDER", ""))),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		GeminiModel:         getEnv("GEMINI_MODEL", getEnv("GEM_MODEL", "gemini-2.5-flash")),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:         getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		BedrockModelID:      getEnv("BEDROCK_MODEL_ID", ""),

		GenerationTimeout:        getEnvAsDuration("GENERATION_TIMEOUT", 45*time.Second),
		GenerationMaxAttempts:    getEnvAsInt("GENERATION_MAX_ATTEMPTS", 3),
		GenerationRetryBaseDelay: getEnvAsDuration("GENERATION_RETRY_BASE_DELAY", 500*time.Millisecond),

		FollowupDelay: getEnvAsMillis("FOLLOWUP_MS", 60*time.Second),

		StateBackend:  strings.ToLower(strings.TrimSpace(getEnv("STATE_BACKEND", BackendFile))),
		StateFile:     getEnv("STATE_FILE", "state/leads_status.json"),
		StateTable:    getEnv("STATE_TABLE", "conversation_states"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		TTSCommand:  getEnv("TTS_COMMAND", getEnv("PYTHON_COMMAND", "")),
		TTSScript:   getEnv("TTS_SCRIPT", "generate_audio_fish.py"),
		TTSTimeout:  getEnvAsDuration("TTS_TIMEOUT", 30*time.Second),
		AudioDir:    getEnv("AUDIO_DIR", "audios"),
		AudioBucket: getEnv("AUDIO_BUCKET", ""),

		LeadsFile:        getEnv("LEADS_FILE", "leads.csv"),
		LeadIndex:        getEnvAsInt("LEAD_INDEX", 0),
		PromptsFile:      getEnv("PROMPTS_FILE", ""),
		GreetingTimezone: getEnv("GREETING_TIMEZONE", "America/Recife"),
		AgentName:        getEnv("AGENT_NAME", "Vitória"),

		MetricsAddr: getEnv("METRICS_ADDR", ""),
	}
}

// Validate reports configuration that must stop the process at startup.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	var errs []error
	if err := c.validateProvider(c.LLMProvider); err != nil {
		errs = append(errs, err)
	}
	if c.LLMFallbackProvider != "" && c.LLMFallbackProvider != c.LLMProvider {
		if err := c.validateProvider(c.LLMFallbackProvider); err != nil {
			errs = append(errs, fmt.Errorf("fallback: %w", err))
		}
	}
	switch c.StateBackend {
	case BackendFile:
		if strings.TrimSpace(c.StateFile) == "" {
			errs = append(errs, errors.New("config: STATE_FILE is required for the file backend"))
		}
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("config: REDIS_ADDR is required for the redis backend"))
		}
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("config: DATABASE_URL is required for the postgres backend"))
		}
	case BackendDynamoDB:
		if strings.TrimSpace(c.StateTable) == "" {
			errs = append(errs, errors.New("config: STATE_TABLE is required for the dynamodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown STATE_BACKEND %q", c.StateBackend))
	}
	if c.FollowupDelay <= 0 {
		errs = append(errs, errors.New("config: FOLLOWUP_MS must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) validateProvider(provider string) error {
	switch provider {
	case ProviderGemini:
		if strings.TrimSpace(c.GeminiAPIKey) == "" {
			return errors.New("config: GEMINI_API_KEY is required")
		}
	case ProviderOpenAI:
		if strings.TrimSpace(c.OpenAIAPIKey) == "" {
			return errors.New("config: OPENAI_API_KEY is required")
		}
	case ProviderBedrock:
		if strings.TrimSpace(c.BedrockModelID) == "" {
			return errors.New("config: BEDROCK_MODEL_ID is required")
		}
	default:
		return fmt.Errorf("config: unknown LLM provider %q", provider)
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsMillis reads a plain integer number of milliseconds.
func getEnvAsMillis(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return defaultValue
	}
	ms, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil || ms < 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}
