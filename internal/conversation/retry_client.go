package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/prospecting-agent/pkg/logging"
)

// RetryPolicy bounds a generation call.
type RetryPolicy struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

// RetryingLLMClient applies a per-attempt timeout and exponential backoff
// around another LLMClient. Provider answers that can never succeed (4xx other
// than 408/429) are returned immediately.
type RetryingLLMClient struct {
	next   LLMClient
	policy RetryPolicy
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRetryingLLMClient(next LLMClient, policy RetryPolicy, logger *logging.Logger) *RetryingLLMClient {
	if next == nil {
		panic("conversation: llm client cannot be nil")
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RetryingLLMClient{
		next:   next,
		policy: policy,
		logger: logger,
		sleep:  sleepContext,
	}
}

func (c *RetryingLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	var lastErr error
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		resp, err := c.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !shouldRetryGeneration(ctx, err) || attempt == c.policy.MaxAttempts-1 {
			break
		}
		c.logger.Warn("generation retry",
			"attempt", attempt+1,
			"max_attempts", c.policy.MaxAttempts,
			"error", err,
		)
		if sleepErr := c.sleep(ctx, c.policy.BaseDelay*time.Duration(1<<attempt)); sleepErr != nil {
			return LLMResponse{}, sleepErr
		}
	}
	return LLMResponse{}, lastErr
}

func (c *RetryingLLMClient) attempt(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	if c.policy.Timeout <= 0 {
		return c.next.Complete(ctx, req)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()
	return c.next.Complete(attemptCtx, req)
}

func shouldRetryGeneration(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var genErr *GenerationError
	if errors.As(err, &genErr) {
		return genErr.Retryable()
	}
	// Per-attempt deadline expired while the parent is still live.
	return !errors.Is(err, context.Canceled)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
