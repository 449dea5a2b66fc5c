// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repackProfile() *Profile {
	return &Profile{
		Name: "repack",
		Items: []ProfileItem{
			{Quality: Unknown, Allowed: true},
			{Quality: Repack, Allowed: true},
		},
		Cutoff:         Repack,
		UpgradeAllowed: true,
		FormatItems:    map[int64]int{},
	}
}

func fullProfile() *Profile {
	return &Profile{
		Name: "full",
		Items: []ProfileItem{
			{Quality: Unknown, Allowed: false},
			{Quality: Repack, Allowed: true},
			{Quality: Scene, Allowed: true},
			{Quality: GOG, Allowed: true},
			{Quality: Retail, Allowed: true},
		},
		Cutoff:            GOG,
		UpgradeAllowed:    true,
		CutoffFormatScore: 0,
		FormatItems:       map[int64]int{1: 10, 2: -5, 3: 50},
	}
}

func m(q ID) Model { return Model{Quality: q, Revision: DefaultRevision} }

func TestEvaluate(t *testing.T) {
	proper := Model{Quality: Scene, Revision: Revision{Version: 2}}

	tests := []struct {
		name             string
		profile          *Profile
		existing         Model
		existingFormats  []int64
		candidate        Model
		candidateFormats []int64
		existingVersion  string
		candidateVersion string
		want             UpgradeResult
	}{
		{
			name:      "repack over unknown below cutoff",
			profile:   repackProfile(),
			existing:  m(Unknown),
			candidate: m(Repack),
			want:      UpgradeNone,
		},
		{
			name:      "repack when repack already at cutoff",
			profile:   repackProfile(),
			existing:  m(Repack),
			candidate: m(Repack),
			want:      UpgradeCutoffAlreadyMet,
		},
		{
			name:      "lower tier rejected",
			profile:   fullProfile(),
			existing:  m(Scene),
			candidate: m(Repack),
			want:      UpgradeNotBetterQuality,
		},
		{
			name:             "lower tier accepted with newer build",
			profile:          fullProfile(),
			existing:         m(Scene),
			candidate:        m(Repack),
			existingVersion:  "1.0.2",
			candidateVersion: "1.1.0",
			want:             UpgradeNone,
		},
		{
			name:             "older build does not override",
			profile:          fullProfile(),
			existing:         m(Scene),
			candidate:        m(Repack),
			existingVersion:  "1.1.0",
			candidateVersion: "1.0.2",
			want:             UpgradeNotBetterQuality,
		},
		{
			name:      "proper beats original",
			profile:   fullProfile(),
			existing:  m(Scene),
			candidate: proper,
			want:      UpgradeNone,
		},
		{
			name:      "original does not replace proper",
			profile:   fullProfile(),
			existing:  proper,
			candidate: m(Scene),
			want:      UpgradeNotRevision,
		},
		{
			name:             "higher format score wins on tie",
			profile:          fullProfile(),
			existing:         m(Scene),
			existingFormats:  []int64{1},
			candidate:        m(Scene),
			candidateFormats: []int64{3},
			want:             UpgradeNone,
		},
		{
			name:             "lower format score rejected",
			profile:          fullProfile(),
			existing:         m(Scene),
			existingFormats:  []int64{3},
			candidate:        m(Scene),
			candidateFormats: []int64{1, 2},
			want:             UpgradeNotCustomFormat,
		},
		{
			name:             "unparseable build strings do not override",
			profile:          fullProfile(),
			existing:         m(Scene),
			existingFormats:  []int64{3},
			candidate:        m(Scene),
			candidateFormats: []int64{2},
			existingVersion:  "Build 100",
			candidateVersion: "Build 200",
			want:             UpgradeNotCustomFormat,
		},
		{
			name:             "lower format score with newer numeric build accepted",
			profile:          fullProfile(),
			existing:         m(Scene),
			existingFormats:  []int64{3},
			candidate:        m(Scene),
			candidateFormats: []int64{2},
			existingVersion:  "100",
			candidateVersion: "200",
			want:             UpgradeNone,
		},
		{
			name:      "equal everything is not an upgrade",
			profile:   fullProfile(),
			existing:  m(Scene),
			candidate: m(Scene),
			want:      UpgradeNotCustomFormat,
		},
		{
			name:      "higher tier past cutoff blocked",
			profile:   fullProfile(),
			existing:  m(GOG),
			candidate: m(Retail),
			want:      UpgradeCutoffAlreadyMet,
		},
		{
			name:             "newer version past cutoff accepted",
			profile:          fullProfile(),
			existing:         m(GOG),
			candidate:        m(GOG),
			existingVersion:  "v1.0",
			candidateVersion: "v1.0.1",
			want:             UpgradeNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.profile.Validate())
			got := Evaluate(tt.profile, tt.existing, tt.existingFormats, tt.candidate, tt.candidateFormats, tt.existingVersion, tt.candidateVersion)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCutoffFormatScore(t *testing.T) {
	p := fullProfile()
	p.CutoffFormatScore = 40

	// At cutoff tier but below the cutoff score, so it keeps upgrading.
	got := Evaluate(p, m(GOG), []int64{1}, m(GOG), []int64{3}, "", "")
	assert.Equal(t, UpgradeNone, got)

	got = Evaluate(p, m(GOG), []int64{3}, m(GOG), []int64{1, 3}, "", "")
	assert.Equal(t, UpgradeCutoffAlreadyMet, got)
}

func TestEvaluateUpgradesDisabledPinsFirstAllowed(t *testing.T) {
	p := fullProfile()
	p.UpgradeAllowed = false

	for _, existing := range Catalog {
		for _, candidate := range Catalog {
			for _, versions := range [][2]string{{"", ""}, {"1.0", "2.0"}} {
				got := Evaluate(p, m(existing), nil, m(candidate), []int64{3}, versions[0], versions[1])
				if candidate != Repack {
					assert.Equal(t, UpgradeUpgradesNotAllowed, got, "existing=%s candidate=%s", existing, candidate)
				}
			}
		}
	}

	assert.Equal(t, UpgradeNone, Evaluate(p, m(Unknown), nil, m(Repack), nil, "", ""))
	assert.Equal(t, UpgradeCutoffAlreadyMet, Evaluate(p, m(Repack), nil, m(Repack), []int64{3}, "", ""))
}

func TestIsNewerVersion(t *testing.T) {
	tests := []struct {
		candidate, existing string
		want                bool
	}{
		{"1.2.0", "1.1.9", true},
		{"v2", "v1.9", true},
		{"1.0", "1.0.0", false},
		{"", "1.0", false},
		{"1.0", "", false},
		{"garbage", "1.0", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsNewerVersion(tt.candidate, tt.existing), "%s vs %s", tt.candidate, tt.existing)
	}
}
