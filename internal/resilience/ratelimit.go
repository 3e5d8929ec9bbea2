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

	"golang.org/x/time/rate"

	"github.com/glassdome/glassdome/internal/platform/contracts"
)

// RateLimiter is a token bucket wrapped around one platform's API client so
// concurrent tasks cannot exceed the platform's request budget.
type RateLimiter struct {
	limiter  *rate.Limiter
	platform contracts.PlatformID
}

// NewRateLimiter creates a token bucket with the given sustained QPS and burst.
func NewRateLimiter(platform contracts.PlatformID, qps float64, burst int) *RateLimiter {
	if qps <= 0 {
		qps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &RateLimiter{
		limiter:  rate.NewLimiter(rate.Limit(qps), burst),
		platform: platform,
	}
}

// Wait blocks until a token is available or the context is cancelled.
// Cancellation is reported as Transient so callers can retry with backoff.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return contracts.NewTransient("rate limit wait cancelled", err)
	}
	return nil
}

// Allow reports whether a token is immediately available.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}
