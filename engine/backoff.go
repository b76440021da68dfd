// Copyright (c) 2025 InventoryPulse Organization
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"math"
	"math/rand"

	"github.com/inventorypulse/pulseflow/workflow"
)

// NextBackoff returns the delay before the next attempt, or shouldRetry=false
// when the attempt budget is exhausted. completedAttempts counts attempts that
// already failed.
func NextBackoff(
	completedAttempts int32, policy *workflow.RetryPolicy,
) (nextBackoffSeconds int32, shouldRetry bool) {
	if policy.MaximumAttempts > 0 && completedAttempts >= policy.MaximumAttempts {
		return 0, false
	}
	nextInterval := int32(float64(policy.InitialIntervalSeconds) *
		math.Pow(policy.BackoffCoefficient, float64(completedAttempts-1)))
	if nextInterval > policy.MaximumIntervalSeconds {
		nextInterval = policy.MaximumIntervalSeconds
	}
	if nextInterval < policy.InitialIntervalSeconds {
		nextInterval = policy.InitialIntervalSeconds
	}
	return nextInterval, true
}

// JitterBackoff adds up to 20% random jitter so synchronized failures do not
// retry in lockstep
func JitterBackoff(backoffSeconds int32) int32 {
	if backoffSeconds <= 0 {
		return backoffSeconds
	}
	jitter := rand.Int31n(backoffSeconds/5 + 1)
	return backoffSeconds + jitter
}

// resolveRetryPolicy picks the effective policy: step spec first, then the
// activity registration, then the configured default
func resolveRetryPolicy(candidates ...*workflow.RetryPolicy) *workflow.RetryPolicy {
	for _, policy := range candidates {
		if policy != nil {
			return policy
		}
	}
	return nil
}
