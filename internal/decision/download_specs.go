// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package decision

import (
	"fmt"
	"time"

	"github.com/autobrr/gamarr/internal/parser"
	"github.com/autobrr/gamarr/internal/quality"
)

type tagMatchSpec struct{}

func (tagMatchSpec) Name() string { return "TagMatch" }

func (tagMatchSpec) Evaluate(c *Candidate, ctx *SearchContext) *Rejection {
	if len(c.Release.SourceTags) == 0 || intersects(c.Release.SourceTags, ctx.Target.Tags) {
		return nil
	}
	return reject(ReasonTagMismatch, fmt.Sprintf("indexer %s is restricted to tags %v", c.Release.SourceName, c.Release.SourceTags))
}

type protocolSpec struct{}

func (protocolSpec) Name() string { return "Protocol" }

func (protocolSpec) Evaluate(c *Candidate, ctx *SearchContext) *Rejection {
	profile := BestDelayProfile(ctx.DelayProfiles, ctx.Target.Tags)
	if profile == nil || profile.Enabled(c.Release.Protocol) {
		return nil
	}
	return reject(ReasonProtocolDisabled, fmt.Sprintf("%s is disabled by the delay profile", c.Release.Protocol))
}

type qualityAllowedSpec struct{}

func (qualityAllowedSpec) Name() string { return "QualityAllowedByProfile" }

func (qualityAllowedSpec) Evaluate(c *Candidate, ctx *SearchContext) *Rejection {
	profile := ctx.Target.Profile
	if err := profile.Validate(); err != nil {
		return reject(ReasonInvalidProfile, err.Error())
	}
	q := c.Quality().Quality
	if profile.IsAllowed(q) {
		return nil
	}
	return reject(ReasonQualityNotAllowed, fmt.Sprintf("%s is not wanted in profile %s", q, profile.Name))
}

type minimumFormatScoreSpec struct{}

func (minimumFormatScoreSpec) Name() string { return "MinimumFormatScore" }

func (minimumFormatScoreSpec) Evaluate(c *Candidate, ctx *SearchContext) *Rejection {
	if ctx.Target.Profile == nil {
		return nil
	}
	minScore := ctx.Target.Profile.MinFormatScore
	if c.FormatScore >= minScore {
		return nil
	}
	return reject(ReasonMinimumFormatScore, fmt.Sprintf("custom format score %d is below the minimum %d", c.FormatScore, minScore))
}

type platformSpec struct{}

func (platformSpec) Name() string { return "Platform" }

func (platformSpec) Evaluate(c *Candidate, ctx *SearchContext) *Rejection {
	if c.Parsed == nil || c.Parsed.Platform == "" || ctx.Target.Profile == nil {
		return nil
	}
	if ctx.Target.Profile.PrefersPlatform(c.Parsed.Platform) {
		return nil
	}
	return reject(ReasonPlatformMismatch, fmt.Sprintf("platform %s is not one of %v", c.Parsed.Platform, ctx.Target.Profile.PreferredPlatforms))
}

type contentTypeSpec struct{}

func (contentTypeSpec) Name() string { return "ContentType" }

func (contentTypeSpec) Evaluate(c *Candidate, ctx *SearchContext) *Rejection {
	want := ctx.Target.Content
	if want == "" {
		want = parser.ContentBaseGame
	}
	got := parser.ContentBaseGame
	if c.Parsed != nil && c.Parsed.ContentType != "" {
		got = c.Parsed.ContentType
	}
	if got == want || want != parser.ContentBaseGame {
		return nil
	}
	return reject(ReasonContentType, fmt.Sprintf("release is %s content, not the base game", got))
}

type alreadyQueuedSpec struct{}

func (alreadyQueuedSpec) Name() string { return "AlreadyQueued" }

func (alreadyQueuedSpec) Evaluate(c *Candidate, ctx *SearchContext) *Rejection {
	if _, ok := ctx.Queue.GUIDs[c.Release.GUID]; ok && c.Release.GUID != "" {
		return reject(ReasonAlreadyQueued, "release is already in the download queue")
	}
	if c.Parsed != nil {
		if _, ok := ctx.Queue.ReleaseHashes[c.Parsed.Hash]; ok {
			return reject(ReasonAlreadyQueued, "release with the same name is already in the download queue")
		}
	}
	for _, queued := range ctx.Queue.Games[ctx.Target.GameID] {
		if ctx.Target.Profile == nil {
			return reject(ReasonAlreadyQueued, fmt.Sprintf("%s is already downloading for this game", queued.Title))
		}
		version := ""
		if c.Parsed != nil {
			version = c.Parsed.Version
		}
		result := quality.Evaluate(ctx.Target.Profile, queued.Quality, nil, c.Quality(), c.Formats, queued.Version, version)
		if !result.Accepted() {
			return reject(ReasonAlreadyQueued, fmt.Sprintf("%s is already downloading for this game and this release is not an upgrade: %s", queued.Title, result.Message()))
		}
	}
	return nil
}

type upgradeSpec struct{}

func (upgradeSpec) Name() string { return "UpgradeForExistingFile" }

func (upgradeSpec) Evaluate(c *Candidate, ctx *SearchContext) *Rejection {
	existing := ctx.Target.ExistingFile
	if existing == nil || ctx.Target.Profile == nil {
		return nil
	}
	version := ""
	if c.Parsed != nil {
		version = c.Parsed.Version
	}
	result := quality.Evaluate(ctx.Target.Profile, existing.Quality, existing.Formats, c.Quality(), c.Formats, existing.Version, version)
	if result.Accepted() {
		return nil
	}
	return reject(Reason(result), result.Message())
}

type delaySpec struct{}

func (delaySpec) Name() string { return "Delay" }

func (delaySpec) Evaluate(c *Candidate, ctx *SearchContext) *Rejection {
	if ctx.UserInvoked {
		return nil
	}

	profile := BestDelayProfile(ctx.DelayProfiles, ctx.Target.Tags)
	if profile == nil {
		return nil
	}
	delay := profile.Delay(c.Release.Protocol)
	if delay <= 0 {
		return nil
	}

	qp := ctx.Target.Profile
	q := c.Quality()

	preferred := profile.PreferredProtocol == "" || profile.PreferredProtocol == c.Release.Protocol
	if preferred {
		if existing := ctx.Target.ExistingFile; existing != nil &&
			existing.Quality.Quality == q.Quality && q.Revision.Compare(existing.Quality.Revision) > 0 {
			return nil
		}
		if profile.BypassIfHighestQuality && qp != nil {
			if best, ok := qp.LastAllowed(); ok && qp.Index(q.Quality) >= qp.Index(best) {
				return nil
			}
		}
		if profile.BypassIfAboveCustomFormatScore && c.FormatScore >= profile.MinimumCustomFormatScore {
			return nil
		}
	}

	if !ctx.OldestPending.IsZero() && ctx.Now.Sub(ctx.OldestPending) > delay {
		return nil
	}

	age := c.Release.Age(ctx.Now)
	if age < delay {
		return deferred(ReasonDelay, fmt.Sprintf("waiting for a better quality release, %s delay remaining", (delay - age).Round(time.Second)))
	}
	return nil
}
