//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy controls transparent retry of a failing node body.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// BackoffFactor multiplies the interval after each retry.
	BackoffFactor float64
	// Jitter scales a random addition of up to Jitter*interval.
	Jitter float64
	// RetryableKinds lists the error kinds the policy absorbs. Empty means
	// any error implementing Retryable() true.
	RetryableKinds []string
}

// shouldRetry reports whether err is covered by the policy.
func (p *RetryPolicy) shouldRetry(err error) bool {
	if p == nil {
		return false
	}
	var interrupt *InterruptError
	if errors.As(err, &interrupt) {
		return false
	}
	if len(p.RetryableKinds) == 0 {
		return IsRetryable(err)
	}
	kind := KindOf(err)
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return IsRetryable(err)
}

// backoff computes the delay before retry number attempt (1-based).
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	interval := float64(p.InitialInterval)
	for i := 1; i < attempt; i++ {
		interval *= p.BackoffFactor
	}
	if p.Jitter > 0 {
		interval += interval * p.Jitter * rand.Float64()
	}
	return time.Duration(interval)
}
