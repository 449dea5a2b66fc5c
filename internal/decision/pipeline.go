// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package decision

import (
	"time"
)

// Specification is one independent rule. It returns nil to accept.
type Specification[S any, C any] interface {
	Name() string
	Evaluate(subject S, ctx C) *Rejection
}

// Pipeline runs an ordered, fixed list of specifications.
type Pipeline[S any, C any] struct {
	specs []Specification[S, C]
}

func newPipeline[S any, C any](specs ...Specification[S, C]) *Pipeline[S, C] {
	return &Pipeline[S, C]{specs: specs}
}

// First stops at the first rejection.
func (p *Pipeline[S, C]) First(subject S, ctx C) []Rejection {
	for _, spec := range p.specs {
		if r := spec.Evaluate(subject, ctx); r != nil {
			return []Rejection{*r}
		}
	}
	return nil
}

// All collects every rejection, for interactive display.
func (p *Pipeline[S, C]) All(subject S, ctx C) []Rejection {
	var out []Rejection
	for _, spec := range p.specs {
		if r := spec.Evaluate(subject, ctx); r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// Names lists the specifications in evaluation order.
func (p *Pipeline[S, C]) Names() []string {
	names := make([]string, len(p.specs))
	for i, spec := range p.specs {
		names[i] = spec.Name()
	}
	return names
}

// DownloadPipeline decides whether a network candidate should be grabbed.
type DownloadPipeline struct {
	*Pipeline[*Candidate, *SearchContext]
}

// NewDownloadPipeline builds the download specification list. Delay runs last so a
// short-circuited temporary rejection never hides a permanent one.
func NewDownloadPipeline() *DownloadPipeline {
	return &DownloadPipeline{newPipeline[*Candidate, *SearchContext](
		tagMatchSpec{},
		protocolSpec{},
		qualityAllowedSpec{},
		minimumFormatScoreSpec{},
		platformSpec{},
		contentTypeSpec{},
		alreadyQueuedSpec{},
		upgradeSpec{},
		delaySpec{},
	)}
}

// Evaluate short-circuits on the first rejection. Used by automatic search.
func (p *DownloadPipeline) Evaluate(c *Candidate, ctx *SearchContext) *Decision {
	return p.decide(c, ctx, p.First(c, withNow(ctx)))
}

// EvaluateAll collects every rejection. Used by interactive search.
func (p *DownloadPipeline) EvaluateAll(c *Candidate, ctx *SearchContext) *Decision {
	return p.decide(c, ctx, p.All(c, withNow(ctx)))
}

func (p *DownloadPipeline) decide(c *Candidate, ctx *SearchContext, rejections []Rejection) *Decision {
	d := &Decision{
		GameID:     ctx.Target.GameID,
		Candidate:  c,
		Rejections: rejections,
		Priority: Priority{
			QualityIndex:   -1,
			Revision:       c.Quality().Revision,
			FormatScore:    c.FormatScore,
			SourcePriority: c.Release.SourcePriority,
			PublishDate:    c.Release.PublishDate,
		},
	}
	if ctx.Target.Profile != nil {
		d.Priority.QualityIndex = ctx.Target.Profile.Index(c.Quality().Quality)
	}
	return d
}

func withNow(ctx *SearchContext) *SearchContext {
	if !ctx.Now.IsZero() {
		return ctx
	}
	withClock := *ctx
	withClock.Now = time.Now()
	return &withClock
}
