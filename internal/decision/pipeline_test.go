// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/gamarr/internal/parser"
	"github.com/autobrr/gamarr/internal/quality"
	"github.com/autobrr/gamarr/internal/release"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testProfile() *quality.Profile {
	return &quality.Profile{
		ID:   1,
		Name: "games",
		Items: []quality.ProfileItem{
			{Quality: quality.Unknown, Allowed: false},
			{Quality: quality.Repack, Allowed: true},
			{Quality: quality.Scene, Allowed: true},
			{Quality: quality.GOG, Allowed: true},
		},
		Cutoff:         quality.GOG,
		UpgradeAllowed: true,
		FormatItems:    map[int64]int{1: 100, 2: -50},
	}
}

func candidate(name string, protocol release.Protocol, published time.Time) *Candidate {
	return &Candidate{
		Release: release.Info{
			GUID:           name,
			Title:          name,
			PublishDate:    published,
			Protocol:       protocol,
			SourceID:       1,
			SourceName:     "indexer",
			SourcePriority: 25,
		},
		Parsed: parser.Parse(name),
	}
}

func searchContext(delays ...DelayProfile) *SearchContext {
	return &SearchContext{
		Target: Target{
			GameID:  7,
			Title:   "Hades",
			Profile: testProfile(),
		},
		DelayProfiles: delays,
		Now:           now,
	}
}

func TestDelayHoldsFreshUsenetRelease(t *testing.T) {
	p := NewDownloadPipeline()
	ctx := searchContext(DelayProfile{UsenetDelay: 720, EnableUsenet: true, EnableTorrent: true, PreferredProtocol: release.ProtocolUsenet})

	d := p.Evaluate(candidate("Hades.v1.38-CODEX", release.ProtocolUsenet, now), ctx)

	require.Len(t, d.Rejections, 1)
	assert.Equal(t, ReasonDelay, d.Rejections[0].Reason)
	assert.Equal(t, StatusTemporarilyRejected, d.Status())
}

func TestDelayElapsedApproves(t *testing.T) {
	p := NewDownloadPipeline()
	ctx := searchContext(DelayProfile{UsenetDelay: 60, EnableUsenet: true, EnableTorrent: true, PreferredProtocol: release.ProtocolUsenet})

	d := p.Evaluate(candidate("Hades.v1.38-CODEX", release.ProtocolUsenet, now.Add(-10*time.Hour)), ctx)

	assert.Empty(t, d.Rejections)
	assert.Equal(t, StatusApproved, d.Status())
}

func TestDelayBypasses(t *testing.T) {
	base := DelayProfile{TorrentDelay: 120, EnableUsenet: true, EnableTorrent: true, PreferredProtocol: release.ProtocolTorrent}

	tests := []struct {
		name    string
		profile DelayProfile
		mutate  func(c *Candidate, ctx *SearchContext)
		want    Status
	}{
		{
			name:    "held without bypass",
			profile: base,
			want:    StatusTemporarilyRejected,
		},
		{
			name:    "user invoked search skips delay",
			profile: base,
			mutate:  func(_ *Candidate, ctx *SearchContext) { ctx.UserInvoked = true },
			want:    StatusApproved,
		},
		{
			name: "highest quality bypass",
			profile: func() DelayProfile {
				p := base
				p.BypassIfHighestQuality = true
				return p
			}(),
			mutate: func(c *Candidate, _ *SearchContext) { c.Parsed.Quality.Quality = quality.GOG },
			want:   StatusApproved,
		},
		{
			name: "highest quality bypass ignored for lower quality",
			profile: func() DelayProfile {
				p := base
				p.BypassIfHighestQuality = true
				return p
			}(),
			want: StatusTemporarilyRejected,
		},
		{
			name: "format score bypass",
			profile: func() DelayProfile {
				p := base
				p.BypassIfAboveCustomFormatScore = true
				p.MinimumCustomFormatScore = 50
				return p
			}(),
			mutate: func(c *Candidate, _ *SearchContext) { c.Formats, c.FormatScore = []int64{1}, 100 },
			want:   StatusApproved,
		},
		{
			name: "bypass only applies to preferred protocol",
			profile: func() DelayProfile {
				p := base
				p.PreferredProtocol = release.ProtocolUsenet
				p.BypassIfHighestQuality = true
				return p
			}(),
			mutate: func(c *Candidate, _ *SearchContext) { c.Parsed.Quality.Quality = quality.GOG },
			want:   StatusTemporarilyRejected,
		},
		{
			name:    "proper of existing quality",
			profile: base,
			mutate: func(c *Candidate, ctx *SearchContext) {
				c.Parsed.Quality.Revision = quality.Revision{Version: 2}
				ctx.Target.ExistingFile = &ExistingFile{Quality: quality.Model{Quality: quality.Scene, Revision: quality.DefaultRevision}}
			},
			want: StatusApproved,
		},
		{
			name:    "older pending hold releases the delay",
			profile: base,
			mutate:  func(_ *Candidate, ctx *SearchContext) { ctx.OldestPending = now.Add(-3 * time.Hour) },
			want:    StatusApproved,
		},
		{
			name:    "zero delay",
			profile: DelayProfile{EnableTorrent: true, EnableUsenet: true},
			want:    StatusApproved,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := candidate("Hades.v1.38-CODEX", release.ProtocolTorrent, now.Add(-10*time.Minute))
			ctx := searchContext(tt.profile)
			if tt.mutate != nil {
				tt.mutate(c, ctx)
			}
			d := NewDownloadPipeline().Evaluate(c, ctx)
			assert.Equal(t, tt.want, d.Status(), "%v", d.Rejections)
		})
	}
}

func TestBestDelayProfile(t *testing.T) {
	profiles := []DelayProfile{
		{ID: 1, Order: 100},
		{ID: 2, Order: 5, Tags: []string{"anime"}},
		{ID: 3, Order: 2, Tags: []string{"retro"}},
		{ID: 4, Order: 1, Tags: []string{"retro", "fast"}},
	}

	assert.Equal(t, int64(1), BestDelayProfile(profiles, nil).ID)
	assert.Equal(t, int64(4), BestDelayProfile(profiles, []string{"retro"}).ID)
	assert.Equal(t, int64(2), BestDelayProfile(profiles, []string{"ANIME"}).ID)
	assert.Nil(t, BestDelayProfile(nil, []string{"retro"}))
}

func TestPermanentRejections(t *testing.T) {
	tests := []struct {
		name   string
		title  string
		mutate func(c *Candidate, ctx *SearchContext)
		reason Reason
	}{
		{
			name:   "tag mismatch",
			title:  "Hades.v1.38-CODEX",
			mutate: func(c *Candidate, ctx *SearchContext) { c.Release.SourceTags = []string{"private"} },
			reason: ReasonTagMismatch,
		},
		{
			name:  "protocol disabled",
			title: "Hades.v1.38-CODEX",
			mutate: func(c *Candidate, ctx *SearchContext) {
				ctx.DelayProfiles = []DelayProfile{{EnableUsenet: true, EnableTorrent: false}}
			},
			reason: ReasonProtocolDisabled,
		},
		{
			name:   "quality not allowed",
			title:  "Hades Some Random Upload",
			reason: ReasonQualityNotAllowed,
		},
		{
			name:   "minimum format score",
			title:  "Hades.v1.38-CODEX",
			mutate: func(c *Candidate, ctx *SearchContext) { ctx.Target.Profile.MinFormatScore = 10 },
			reason: ReasonMinimumFormatScore,
		},
		{
			name:  "platform",
			title: "Hades.Linux-CODEX",
			mutate: func(c *Candidate, ctx *SearchContext) {
				ctx.Target.Profile.PreferredPlatforms = []string{"Windows"}
			},
			reason: ReasonPlatformMismatch,
		},
		{
			name:   "update only",
			title:  "Hades.Update.v1.38-CODEX",
			reason: ReasonContentType,
		},
		{
			name:   "dlc only",
			title:  "Hades.DLC.Pack-CODEX",
			reason: ReasonContentType,
		},
		{
			name:  "already queued",
			title: "Hades.v1.38-CODEX",
			mutate: func(c *Candidate, ctx *SearchContext) {
				ctx.Queue.ReleaseHashes = map[string]struct{}{c.Parsed.Hash: {}}
			},
			reason: ReasonAlreadyQueued,
		},
		{
			name:  "not an upgrade",
			title: "Hades.v1.38-CODEX",
			mutate: func(c *Candidate, ctx *SearchContext) {
				ctx.Target.ExistingFile = &ExistingFile{Quality: quality.Model{Quality: quality.GOG, Revision: quality.DefaultRevision}}
			},
			reason: Reason(quality.UpgradeNotBetterQuality),
		},
		{
			name:   "invalid profile",
			title:  "Hades.v1.38-CODEX",
			mutate: func(c *Candidate, ctx *SearchContext) { ctx.Target.Profile.Cutoff = quality.Retail },
			reason: ReasonInvalidProfile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := candidate(tt.title, release.ProtocolTorrent, now.Add(-time.Hour))
			ctx := searchContext()
			if tt.mutate != nil {
				tt.mutate(c, ctx)
			}

			d := NewDownloadPipeline().Evaluate(c, ctx)
			require.Len(t, d.Rejections, 1)
			assert.Equal(t, tt.reason, d.Rejections[0].Reason)
			assert.Equal(t, Permanent, d.Rejections[0].Permanence)
			assert.Equal(t, StatusRejected, d.Status())
		})
	}
}

func TestInFlightGameOnlyAcceptsUpgrades(t *testing.T) {
	queued := QueueState{Games: map[int64][]QueuedDownload{
		7: {{Title: "Hades.v1.38-CODEX", Quality: quality.Model{Quality: quality.Scene, Revision: quality.DefaultRevision}, Version: "1.38"}},
	}}
	tests := []struct {
		name   string
		title  string
		gameID int64
		status Status
	}{
		{name: "same quality from another group", title: "Hades-TENOKE", gameID: 7, status: StatusRejected},
		{name: "better quality", title: "Hades-GOG", gameID: 7, status: StatusApproved},
		{name: "other game", title: "Hades-TENOKE", gameID: 8, status: StatusApproved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := searchContext()
			ctx.Target.GameID = tt.gameID
			ctx.Queue = queued

			d := NewDownloadPipeline().Evaluate(candidate(tt.title, release.ProtocolTorrent, now.Add(-time.Hour)), ctx)
			assert.Equal(t, tt.status, d.Status())
			if tt.status == StatusRejected {
				require.Len(t, d.Rejections, 1)
				assert.Equal(t, ReasonAlreadyQueued, d.Rejections[0].Reason)
			}
		})
	}
}

func TestEvaluateAllCollectsEveryRejection(t *testing.T) {
	p := NewDownloadPipeline()
	c := candidate("Hades.Update.Linux-CODEX", release.ProtocolTorrent, now)
	c.Release.SourceTags = []string{"private"}
	ctx := searchContext(DelayProfile{TorrentDelay: 60, EnableTorrent: true, EnableUsenet: true})
	ctx.Target.Profile.PreferredPlatforms = []string{"Windows"}

	short := p.Evaluate(c, ctx)
	all := p.EvaluateAll(c, ctx)

	require.Len(t, short.Rejections, 1)
	assert.Equal(t, ReasonTagMismatch, short.Rejections[0].Reason)

	reasons := make([]Reason, 0, len(all.Rejections))
	for _, r := range all.Rejections {
		reasons = append(reasons, r.Reason)
	}
	assert.Equal(t, []Reason{ReasonTagMismatch, ReasonPlatformMismatch, ReasonContentType, ReasonDelay}, reasons)
	assert.Equal(t, StatusRejected, all.Status())
}

func TestPipelineOrderIsFixed(t *testing.T) {
	assert.Equal(t, []string{
		"TagMatch", "Protocol", "QualityAllowedByProfile", "MinimumFormatScore", "Platform",
		"ContentType", "AlreadyQueued", "UpgradeForExistingFile", "Delay",
	}, NewDownloadPipeline().Names())
}

func TestDecisionPriority(t *testing.T) {
	c := candidate("Hades.PROPER-CODEX", release.ProtocolTorrent, now.Add(-time.Hour))
	c.FormatScore = 100
	d := NewDownloadPipeline().Evaluate(c, searchContext())

	assert.Equal(t, 2, d.Priority.QualityIndex)
	assert.Equal(t, quality.Revision{Version: 2}, d.Priority.Revision)
	assert.Equal(t, 100, d.Priority.FormatScore)
	assert.Equal(t, 25, d.Priority.SourcePriority)
	assert.Equal(t, int64(7), d.GameID)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusApproved, StatusOf(nil))
	assert.Equal(t, StatusTemporarilyRejected, StatusOf([]Rejection{{Permanence: Temporary}, {Permanence: Temporary}}))
	assert.Equal(t, StatusRejected, StatusOf([]Rejection{{Permanence: Temporary}, {Permanence: Permanent}}))
}
