// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package release

import (
	"context"
	"strings"
	"time"
)

// SourceInfo describes a source to the search dispatcher.
type SourceInfo struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Protocol         Protocol  `json:"protocol"`
	Priority         int       `json:"priority"`
	Tags             []string  `json:"tags,omitempty"`
	Categories       []int     `json:"categories,omitempty"`
	SupportsIDSearch bool      `json:"supportsIdSearch"`
	CooldownUntil    time.Time `json:"cooldownUntil,omitzero"`
}

// CompatibleWith reports whether a source may be searched for a title with tags.
// Untagged sources serve every title.
func (s SourceInfo) CompatibleWith(tags []string) bool {
	if len(s.Tags) == 0 {
		return true
	}
	for _, a := range s.Tags {
		for _, b := range tags {
			if strings.EqualFold(a, b) {
				return true
			}
		}
	}
	return false
}

// Source is one searchable release source. Fetch returns an empty slice, not an
// error, when nothing matched.
type Source interface {
	Info() SourceInfo
	Fetch(ctx context.Context, q Query) ([]Info, error)
}
