// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"sync"
	"time"
)

// escalationPeriods defines backoff durations for repeated failures.
// Escalates with consecutive failures, resets on success.
var escalationPeriods = []time.Duration{
	0,               // Level 0: immediate retry
	1 * time.Minute, // Level 1
	5 * time.Minute, // Level 2
	15 * time.Minute,
	30 * time.Minute,
	1 * time.Hour,
	3 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	24 * time.Hour, // Level 9 (max)
}

type rateState struct {
	cooldownUntil   time.Time
	escalationLevel int
}

// RateLimiter tracks per-indexer cooldowns. It never blocks; callers skip
// indexers that are cooling down.
type RateLimiter struct {
	mu     sync.Mutex
	states map[int64]*rateState
	now    func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		states: make(map[int64]*rateState),
		now:    time.Now,
	}
}

func (r *RateLimiter) getStateLocked(id int64) *rateState {
	state, ok := r.states[id]
	if !ok {
		state = &rateState{}
		r.states[id] = state
	}
	return state
}

// RecordFailure increments the escalation level and returns the new cooldown.
func (r *RateLimiter) RecordFailure(id int64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.getStateLocked(id)
	if state.escalationLevel < len(escalationPeriods)-1 {
		state.escalationLevel++
	}

	cooldown := escalationPeriods[state.escalationLevel]
	if cooldown > 0 {
		state.cooldownUntil = r.now().Add(cooldown)
	}
	return cooldown
}

// RecordSuccess resets the escalation level.
func (r *RateLimiter) RecordSuccess(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.getStateLocked(id)
	state.escalationLevel = 0
	state.cooldownUntil = time.Time{}
}

// SetCooldown forces a cooldown, e.g. from a Retry-After header.
func (r *RateLimiter) SetCooldown(id int64, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.getStateLocked(id)
	if until.After(state.cooldownUntil) {
		state.cooldownUntil = until
	}
}

// RecordRateLimit escalates like RecordFailure and stretches the cooldown to at
// least retryAfter.
func (r *RateLimiter) RecordRateLimit(id int64, retryAfter time.Duration) time.Duration {
	cooldown := r.RecordFailure(id)
	if retryAfter > cooldown {
		r.SetCooldown(id, r.now().Add(retryAfter))
		cooldown = retryAfter
	}
	return cooldown
}

func (r *RateLimiter) ClearCooldown(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, id)
}

// IsInCooldown checks if an indexer is currently in cooldown without blocking.
func (r *RateLimiter) IsInCooldown(id int64) (bool, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[id]
	if !ok || state.cooldownUntil.IsZero() {
		return false, time.Time{}
	}
	if r.now().Before(state.cooldownUntil) {
		return true, state.cooldownUntil
	}
	return false, time.Time{}
}

// Cooldowns returns every indexer still cooling down.
func (r *RateLimiter) Cooldowns() map[int64]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	out := make(map[int64]time.Time)
	for id, state := range r.states {
		if now.Before(state.cooldownUntil) {
			out[id] = state.cooldownUntil
		}
	}
	return out
}
