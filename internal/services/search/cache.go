// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"

	"github.com/autobrr/gamarr/internal/decision"
)

const defaultCandidateTTL = 30 * time.Minute

// CachedCandidate is a searched release remembered for a later interactive grab.
type CachedCandidate struct {
	GameID    int64
	Candidate *decision.Candidate
	CachedAt  time.Time
}

// CandidateCache holds every candidate of recent searches keyed by "sourceId:guid".
type CandidateCache struct {
	cache *ttlcache.Cache[string, CachedCandidate]
	ttl   time.Duration
}

func NewCandidateCache(ttl time.Duration) *CandidateCache {
	if ttl <= 0 {
		ttl = defaultCandidateTTL
	}
	return &CandidateCache{
		cache: ttlcache.New(ttlcache.Options[string, CachedCandidate]{}.SetDefaultTTL(ttl)),
		ttl:   ttl,
	}
}

func (c *CandidateCache) Set(key string, value CachedCandidate, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.cache.Set(key, value, ttl)
}

func (c *CandidateCache) Find(key string) (CachedCandidate, bool) {
	return c.cache.Get(key)
}
