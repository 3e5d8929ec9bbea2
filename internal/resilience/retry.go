/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxAttempts int           // Maximum number of attempts, including the first
	BaseDelay   time.Duration // Base delay between retries
	MaxDelay    time.Duration // Cap on the delay between retries
}

// DefaultRetryConfig returns the boundary retry policy: bounded attempts with
// exponential backoff (base 2s, cap 60s) and full jitter.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// IsRetryable determines whether an error should be retried. Only errors
// categorized Transient qualify; untyped errors are conservatively permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return contracts.IsTransient(err)
}

// RetryFunc is a function that can be retried.
type RetryFunc func(ctx context.Context, attempt int) error

// Retry executes fn with exponential backoff and full jitter. A Transient
// error carrying a RetryAfter hint overrides the computed delay. Context
// cancellation aborts between attempts.
func Retry(ctx context.Context, config *RetryConfig, fn RetryFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := fullJitterDelay(config, attempt)
		if hint := retryAfterHint(err); hint > 0 {
			delay = hint
		}

		select {
		case <-ctx.Done():
			return contracts.NewTransient("retry aborted by cancellation", ctx.Err())
		case <-time.After(delay):
		}
	}

	return lastErr
}

// fullJitterDelay returns a uniformly random delay in [0, min(cap, base*2^attempt)].
func fullJitterDelay(config *RetryConfig, attempt int) time.Duration {
	ceiling := float64(config.BaseDelay) * math.Pow(2, float64(attempt))
	if ceiling > float64(config.MaxDelay) {
		ceiling = float64(config.MaxDelay)
	}
	return time.Duration(rand.Float64() * ceiling)
}

func retryAfterHint(err error) time.Duration {
	var e *contracts.Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Policy combines retry and circuit breaker for one platform boundary.
type Policy struct {
	name           string
	retryConfig    *RetryConfig
	circuitBreaker *CircuitBreaker
}

// NewPolicy creates a resilience policy. Either component may be nil.
func NewPolicy(name string, retryConfig *RetryConfig, circuitBreaker *CircuitBreaker) *Policy {
	if retryConfig == nil {
		retryConfig = DefaultRetryConfig()
	}
	return &Policy{name: name, retryConfig: retryConfig, circuitBreaker: circuitBreaker}
}

// Execute runs fn under the full policy: each retry attempt passes through
// the circuit breaker when one is configured.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	return Retry(ctx, p.retryConfig, func(ctx context.Context, attempt int) error {
		if p.circuitBreaker != nil {
			return p.circuitBreaker.Call(ctx, fn)
		}
		return fn(ctx)
	})
}

// RetryConfigFor builds a RetryConfig from raw settings, applying defaults
// for unset values.
func RetryConfigFor(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		cfg.BaseDelay = baseDelay
	}
	if maxDelay > 0 {
		cfg.MaxDelay = maxDelay
	}
	return cfg
}
