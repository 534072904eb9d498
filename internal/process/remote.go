// Copyright 2026 The mk Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/emberbuild/ember/internal/digest"
)

// RemoteExecutionClient is the subset of the REAPI-compatible remote
// execution wire contract (§6) the executor needs: submit an Action
// (identified by its digest once the caller has uploaded the Command
// and input tree via the CAS) and get back a terminal result.
type RemoteExecutionClient interface {
	Execute(ctx context.Context, actionDigest digest.Digest, platformProperties map[string]string) (FallibleProcessResult, error)
	GetActionResult(ctx context.Context, actionDigest digest.Digest) (FallibleProcessResult, bool, error)
}

// RemoteExecutor dispatches to a RemoteExecutionClient with a rate
// limiter, circuit breaker, and retry/backoff policy split by the
// failure taxonomy's transient/permanent distinction (§4.4).
type RemoteExecutor struct {
	client  RemoteExecutionClient
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRemoteExecutor builds a RemoteExecutor. ratePerSecond/burst bound
// how many remote calls are submitted per second; maxRetries bounds
// retry attempts for transient failures.
func NewRemoteExecutor(client RemoteExecutionClient, ratePerSecond float64, burst, maxRetries int) *RemoteExecutor {
	return &RemoteExecutor{
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		maxRetries: maxRetries,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   10 * time.Second,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "remote-execution",
			MaxRequests: 1,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Run submits actionDigest for remote execution, retrying transient
// failures (Unavailable, Cancelled, DeadlineExceeded, Aborted and
// ResourceExhausted per gRPC status codes) with exponential backoff and
// jitter, up to maxRetries.
// Deterministic errors (InvalidArgument and friends) fail immediately.
func (e *RemoteExecutor) Run(ctx context.Context, p Process, env ExecutionEnvironment, actionDigest digest.Digest) (FallibleProcessResult, error) {
	if cached, ok, err := e.client.GetActionResult(ctx, actionDigest); err == nil && ok {
		return cached, nil
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return FallibleProcessResult{}, &Error{Kind: Cancelled, Err: err}
		}

		result, err := e.cb.Execute(func() (interface{}, error) {
			return e.client.Execute(ctx, actionDigest, env.RemotePlatformProperties)
		})
		if err == nil {
			return result.(FallibleProcessResult), nil
		}

		lastErr = err
		if !isTransient(err) {
			return FallibleProcessResult{}, &Error{Kind: RemotePermanent, Err: err}
		}
		if attempt == e.maxRetries {
			break
		}
		time.Sleep(backoff(attempt, e.baseDelay, e.maxDelay))
	}
	return FallibleProcessResult{}, &Error{Kind: RemoteTransient, Retries: e.maxRetries, Err: lastErr}
}

func isTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.Canceled, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// backoff computes an exponential delay with full jitter, capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := base * time.Duration(1<<uint(attempt))
	if d > max || d <= 0 {
		d = max
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
