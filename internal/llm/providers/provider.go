package providers

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nicodishanthj/soldocs/internal/common"
)

// DefaultMaxTokens is used when a caller passes a non-positive budget.
const DefaultMaxTokens = 4096

const (
	minCallSpacing = 500 * time.Millisecond
	maxAttempts    = 3
	retryBaseDelay = 2 * time.Second
)

// Provider generates text for a prompt. Implementations are safe for
// concurrent use; their pacing state is internally locked.
type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	Name() string
}

// pacer enforces a minimum spacing between outgoing calls. It bounds the
// request rate of a single client, not its concurrency.
type pacer struct {
	mu   sync.Mutex
	last time.Time
}

// wait sleeps out the remainder of the spacing window and records the new
// call start.
func (p *pacer) wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.last.IsZero() {
		if elapsed := time.Since(p.last); elapsed < minCallSpacing {
			time.Sleep(minCallSpacing - elapsed)
		}
	}
	p.last = time.Now()
}

// generateWithRetry runs call up to maxAttempts times, retrying only
// rate-limit and transient provider failures (429, 500, 529) with
// exponential backoff. Other errors propagate unwrapped from the first
// attempt.
func generateWithRetry(ctx context.Context, name string, call func() (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		text, err := call()
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryableGeneration(err) || attempt == maxAttempts-1 {
			return "", err
		}
		delay := time.Duration(1<<attempt) * retryBaseDelay
		common.Logger().Warn("llm: transient provider error, backing off", "provider", name, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func retryableGeneration(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "500") || strings.Contains(msg, "529")
}
