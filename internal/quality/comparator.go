// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package quality

import (
	"strings"

	"github.com/hashicorp/go-version"
)

// UpgradeResult is the outcome of comparing a candidate against an existing file.
type UpgradeResult string

const (
	UpgradeNone               UpgradeResult = ""
	UpgradeNotBetterQuality   UpgradeResult = "NotBetterQuality"
	UpgradeNotRevision        UpgradeResult = "NotRevisionUpgrade"
	UpgradeNotCustomFormat    UpgradeResult = "NotCustomFormatUpgrade"
	UpgradeCutoffAlreadyMet   UpgradeResult = "CutoffAlreadyMet"
	UpgradeUpgradesNotAllowed UpgradeResult = "UpgradesNotAllowed"
)

// Accepted reports whether the candidate should replace the existing file.
func (r UpgradeResult) Accepted() bool { return r == UpgradeNone }

func (r UpgradeResult) Message() string {
	switch r {
	case UpgradeNone:
		return "upgrade"
	case UpgradeNotBetterQuality:
		return "existing file has a better quality"
	case UpgradeNotRevision:
		return "existing file has a better revision of the same quality"
	case UpgradeNotCustomFormat:
		return "custom format score is not an improvement over the existing file"
	case UpgradeCutoffAlreadyMet:
		return "existing file already meets the profile cutoff"
	case UpgradeUpgradesNotAllowed:
		return "profile does not allow upgrades beyond the first allowed quality"
	}
	return string(r)
}

// Evaluate decides whether candidate is an upgrade over existing under profile.
//
// Checks run quality, then revision, then custom format score, then cutoff. A
// strictly newer candidate game version overrides every rejection except the
// UpgradeAllowed=false gate, which always pins the target to the first allowed tier.
func Evaluate(profile *Profile, existing Model, existingFormats []int64, candidate Model, candidateFormats []int64, existingVersion, candidateVersion string) UpgradeResult {
	if !profile.UpgradeAllowed {
		if first, ok := profile.FirstAllowed(); !ok || candidate.Quality != first {
			return UpgradeUpgradesNotAllowed
		}
	}

	versionUpgrade := IsNewerVersion(candidateVersion, existingVersion)

	existingIdx := profile.Index(existing.Quality)
	candidateIdx := profile.Index(candidate.Quality)

	improved := false

	switch {
	case candidateIdx < existingIdx:
		if !versionUpgrade {
			return UpgradeNotBetterQuality
		}
	case candidateIdx > existingIdx:
		improved = true
	default:
		switch candidate.Revision.Compare(existing.Revision) {
		case 1:
			improved = true
		case -1:
			if !versionUpgrade {
				return UpgradeNotRevision
			}
		default:
			existingScore := profile.Score(existingFormats)
			candidateScore := profile.Score(candidateFormats)
			switch {
			case candidateScore > existingScore:
				improved = true
			case candidateScore < existingScore && !versionUpgrade:
				return UpgradeNotCustomFormat
			}
		}
	}

	if !versionUpgrade && cutoffMet(profile, existingIdx, existingFormats) {
		return UpgradeCutoffAlreadyMet
	}

	if !improved && !versionUpgrade {
		return UpgradeNotCustomFormat
	}

	return UpgradeNone
}

func cutoffMet(profile *Profile, existingIdx int, existingFormats []int64) bool {
	cutoffIdx := profile.Index(profile.EffectiveCutoff())
	if cutoffIdx < 0 || existingIdx < cutoffIdx {
		return false
	}
	return profile.Score(existingFormats) >= profile.CutoffFormatScore
}

// IsNewerVersion reports whether candidate is a strictly newer game build than existing.
// Either side empty or unparseable yields false.
func IsNewerVersion(candidate, existing string) bool {
	c, err := parseVersion(candidate)
	if err != nil {
		return false
	}
	e, err := parseVersion(existing)
	if err != nil {
		return false
	}
	return c.GreaterThan(e)
}

func parseVersion(s string) (*version.Version, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "v"), "V")
	return version.NewVersion(s)
}
