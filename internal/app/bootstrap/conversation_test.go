package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/prospecting-agent/internal/config"
	"github.com/wolfman30/prospecting-agent/internal/conversation"
	"github.com/wolfman30/prospecting-agent/internal/speech"
	"github.com/wolfman30/prospecting-agent/pkg/logging"
)

func testLogger() *logging.Logger { return logging.New("error") }

func TestBuildStateStoreRequiresConfig(t *testing.T) {
	_, _, err := BuildStateStore(context.Background(), nil, nil)
	require.Error(t, err)
}

func TestBuildStateStoreFile(t *testing.T) {
	cfg := &appconfig.Config{StateBackend: appconfig.BackendFile, StateFile: filepath.Join(t.TempDir(), "state.json")}

	store, cleanup, err := BuildStateStore(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()
	assert.IsType(t, &conversation.FileStore{}, store)
}

func TestBuildStateStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := &appconfig.Config{StateBackend: appconfig.BackendRedis, RedisAddr: mr.Addr()}

	store, cleanup, err := BuildStateStore(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()
	assert.IsType(t, &conversation.RedisStore{}, store)
}

func TestBuildStateStoreRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := &appconfig.Config{StateBackend: appconfig.BackendRedis, RedisAddr: addr}
	_, _, err := BuildStateStore(context.Background(), cfg, testLogger())
	require.Error(t, err)
}

func TestBuildStateStorePostgresRequiresURL(t *testing.T) {
	cfg := &appconfig.Config{StateBackend: appconfig.BackendPostgres}
	_, _, err := BuildStateStore(context.Background(), cfg, testLogger())
	require.ErrorContains(t, err, "DATABASE_URL")
}

func TestBuildStateStoreDynamo(t *testing.T) {
	cfg := &appconfig.Config{
		StateBackend:       appconfig.BackendDynamoDB,
		StateTable:         "conversation_states",
		AWSRegion:          "us-east-1",
		AWSAccessKeyID:     "test",
		AWSSecretAccessKey: "test",
	}
	store, cleanup, err := BuildStateStore(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()
	assert.IsType(t, &conversation.DynamoStore{}, store)
}

func TestBuildStateStoreUnknown(t *testing.T) {
	_, _, err := BuildStateStore(context.Background(), &appconfig.Config{StateBackend: "sqlite"}, testLogger())
	require.ErrorContains(t, err, "unknown state backend")
}

func TestBuildLLMClientOpenAIWithRetry(t *testing.T) {
	cfg := &appconfig.Config{
		LLMProvider:           appconfig.ProviderOpenAI,
		OpenAIAPIKey:          "sk-test",
		GenerationTimeout:     time.Second,
		GenerationMaxAttempts: 2,
	}
	client, cleanup, err := BuildLLMClient(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()
	assert.IsType(t, &conversation.RetryingLLMClient{}, client)
}

func TestBuildLLMClientMissingCredential(t *testing.T) {
	cfg := &appconfig.Config{LLMProvider: appconfig.ProviderOpenAI}
	_, _, err := BuildLLMClient(context.Background(), cfg, testLogger())
	require.Error(t, err)
}

func TestBuildLLMClientFallbackToBedrock(t *testing.T) {
	cfg := &appconfig.Config{
		LLMProvider:         appconfig.ProviderOpenAI,
		LLMFallbackProvider: appconfig.ProviderBedrock,
		OpenAIAPIKey:        "sk-test",
		BedrockModelID:      "anthropic.claude-3-haiku-20240307-v1:0",
		AWSRegion:           "us-east-1",
		AWSAccessKeyID:      "test",
		AWSSecretAccessKey:  "test",
	}
	client, cleanup, err := BuildLLMClient(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()
	assert.NotNil(t, client)
}

func TestBuildLLMClientUnknownProvider(t *testing.T) {
	_, _, err := BuildLLMClient(context.Background(), &appconfig.Config{LLMProvider: "llama"}, testLogger())
	require.ErrorContains(t, err, "unknown llm provider")
}

func TestBuildSynthesizerDisabled(t *testing.T) {
	synth, err := BuildSynthesizer(context.Background(), &appconfig.Config{}, testLogger())
	require.NoError(t, err)
	assert.Nil(t, synth)
}

func TestBuildSynthesizerCommand(t *testing.T) {
	cfg := &appconfig.Config{TTSCommand: "python3", TTSScript: "tts.py", AudioDir: t.TempDir(), TTSTimeout: time.Second}
	synth, err := BuildSynthesizer(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &speech.CommandSynthesizer{}, synth)
}

func TestBuildSynthesizerS3(t *testing.T) {
	cfg := &appconfig.Config{
		TTSCommand:          "python3",
		AudioDir:            t.TempDir(),
		AudioBucket:         "pitch-audio",
		AWSRegion:           "us-east-1",
		AWSAccessKeyID:      "test",
		AWSSecretAccessKey:  "test",
		AWSEndpointOverride: "http://localhost:4566",
	}
	synth, err := BuildSynthesizer(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &speech.S3Publisher{}, synth)
}
