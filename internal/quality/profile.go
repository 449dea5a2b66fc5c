// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package quality

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidProfile marks a malformed profile. It is a configuration error and never retried.
var ErrInvalidProfile = errors.New("invalid quality profile")

type ProfileItem struct {
	Quality ID   `json:"quality"`
	Allowed bool `json:"allowed"`
}

type Profile struct {
	ID                 int64         `json:"id"`
	Name               string        `json:"name"`
	Items              []ProfileItem `json:"items"`
	Cutoff             ID            `json:"cutoff"`
	UpgradeAllowed     bool          `json:"upgradeAllowed"`
	MinFormatScore     int           `json:"minFormatScore"`
	CutoffFormatScore  int           `json:"cutoffFormatScore"`
	FormatItems        map[int64]int `json:"formatItems"`
	PreferredPlatforms []string      `json:"preferredPlatforms"`
}

// Validate checks the tier list forms a total order and the cutoff references an allowed tier.
func (p *Profile) Validate() error {
	if p == nil {
		return errors.Wrap(ErrInvalidProfile, "profile is nil")
	}
	if len(p.Items) == 0 {
		return errors.Wrapf(ErrInvalidProfile, "profile %q has no quality tiers", p.Name)
	}

	seen := make(map[ID]struct{}, len(p.Items))
	anyAllowed := false
	for _, item := range p.Items {
		if !item.Quality.Known() {
			return errors.Wrapf(ErrInvalidProfile, "profile %q references unknown quality %q", p.Name, item.Quality)
		}
		if _, dup := seen[item.Quality]; dup {
			return errors.Wrapf(ErrInvalidProfile, "profile %q lists quality %q twice", p.Name, item.Quality)
		}
		seen[item.Quality] = struct{}{}
		anyAllowed = anyAllowed || item.Allowed
	}
	if !anyAllowed {
		return errors.Wrapf(ErrInvalidProfile, "profile %q allows no qualities", p.Name)
	}

	idx := p.Index(p.Cutoff)
	if idx < 0 {
		return errors.Wrapf(ErrInvalidProfile, "profile %q cutoff %q is not one of its tiers", p.Name, p.Cutoff)
	}
	if !p.Items[idx].Allowed {
		return errors.Wrapf(ErrInvalidProfile, "profile %q cutoff %q is not allowed", p.Name, p.Cutoff)
	}
	return nil
}

// Index returns the tier index of q, or -1 when the profile does not list it.
func (p *Profile) Index(q ID) int {
	for i, item := range p.Items {
		if item.Quality == q {
			return i
		}
	}
	return -1
}

func (p *Profile) IsAllowed(q ID) bool {
	idx := p.Index(q)
	return idx >= 0 && p.Items[idx].Allowed
}

// FirstAllowed returns the lowest allowed tier.
func (p *Profile) FirstAllowed() (ID, bool) {
	for _, item := range p.Items {
		if item.Allowed {
			return item.Quality, true
		}
	}
	return "", false
}

// LastAllowed returns the highest allowed tier.
func (p *Profile) LastAllowed() (ID, bool) {
	for i := len(p.Items) - 1; i >= 0; i-- {
		if p.Items[i].Allowed {
			return p.Items[i].Quality, true
		}
	}
	return "", false
}

// EffectiveCutoff is the configured cutoff, or the first allowed tier when upgrades are off.
func (p *Profile) EffectiveCutoff() ID {
	if !p.UpgradeAllowed {
		if first, ok := p.FirstAllowed(); ok {
			return first
		}
	}
	return p.Cutoff
}

// Score sums the profile's scores for the matched custom formats.
func (p *Profile) Score(formats []int64) int {
	total := 0
	for _, id := range formats {
		total += p.FormatItems[id]
	}
	return total
}

// PrefersPlatform reports whether platform is acceptable. An empty preference list accepts all.
func (p *Profile) PrefersPlatform(platform string) bool {
	if len(p.PreferredPlatforms) == 0 {
		return true
	}
	return slices.ContainsFunc(p.PreferredPlatforms, func(s string) bool {
		return strings.EqualFold(s, platform)
	})
}

// CutoffNotMet reports whether a file of the given quality and formats is still below cutoff.
func (p *Profile) CutoffNotMet(existing Model, formats []int64) bool {
	idx := p.Index(existing.Quality)
	if idx < p.Index(p.EffectiveCutoff()) {
		return true
	}
	return p.UpgradeAllowed && p.Score(formats) < p.CutoffFormatScore
}

// DefaultProfile allows every catalog quality with Retail as cutoff.
func DefaultProfile() *Profile {
	items := make([]ProfileItem, 0, len(Catalog))
	for _, id := range Catalog {
		items = append(items, ProfileItem{Quality: id, Allowed: id != Unknown})
	}
	return &Profile{
		Name:           "Any",
		Items:          items,
		Cutoff:         Retail,
		UpgradeAllowed: true,
		FormatItems:    map[int64]int{},
	}
}
