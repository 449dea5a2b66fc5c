// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package decision runs candidate releases and local files through ordered
// specification lists and reports the accumulated rejections.
package decision

import (
	"slices"
	"strings"
	"time"

	"github.com/autobrr/gamarr/internal/parser"
	"github.com/autobrr/gamarr/internal/quality"
	"github.com/autobrr/gamarr/internal/release"
)

type Permanence string

const (
	Permanent Permanence = "permanent"
	Temporary Permanence = "temporary"
)

type Reason string

const (
	ReasonTagMismatch        Reason = "TagMismatch"
	ReasonProtocolDisabled   Reason = "ProtocolDisabled"
	ReasonQualityNotAllowed  Reason = "QualityNotAllowed"
	ReasonMinimumFormatScore Reason = "MinimumFormatScore"
	ReasonPlatformMismatch   Reason = "PlatformMismatch"
	ReasonContentType        Reason = "ContentType"
	ReasonAlreadyQueued      Reason = "AlreadyQueued"
	ReasonInvalidProfile     Reason = "InvalidProfile"
	ReasonDelay              Reason = "Delay"

	ReasonFreeSpace       Reason = "FreeSpace"
	ReasonAlreadyImported Reason = "AlreadyImported"
	ReasonMultiPart       Reason = "MultiPart"
	ReasonSample          Reason = "Sample"
	ReasonGrabMismatch    Reason = "GrabMismatch"
)

// Rejection is a business outcome, never an error.
type Rejection struct {
	Reason     Reason     `json:"reason"`
	Message    string     `json:"message"`
	Permanence Permanence `json:"permanence"`
}

func reject(reason Reason, message string) *Rejection {
	return &Rejection{Reason: reason, Message: message, Permanence: Permanent}
}

func deferred(reason Reason, message string) *Rejection {
	return &Rejection{Reason: reason, Message: message, Permanence: Temporary}
}

type Status string

const (
	StatusApproved            Status = "approved"
	StatusTemporarilyRejected Status = "temporarilyRejected"
	StatusRejected            Status = "rejected"
)

// StatusOf classifies a rejection list.
func StatusOf(rejections []Rejection) Status {
	if len(rejections) == 0 {
		return StatusApproved
	}
	for _, r := range rejections {
		if r.Permanence == Permanent {
			return StatusRejected
		}
	}
	return StatusTemporarilyRejected
}

// Candidate is a source result combined with everything parsed and scored from it.
type Candidate struct {
	Release     release.Info `json:"release"`
	Parsed      *parser.Info `json:"parsed"`
	Formats     []int64      `json:"formats,omitempty"`
	FormatScore int          `json:"formatScore"`
}

func (c *Candidate) Quality() quality.Model {
	if c.Parsed == nil {
		return quality.Model{Quality: quality.Unknown, Revision: quality.DefaultRevision}
	}
	return c.Parsed.Quality
}

// ExistingFile is the projection of a game's current file the pipeline needs.
type ExistingFile struct {
	Quality quality.Model `json:"quality"`
	Formats []int64       `json:"formats,omitempty"`
	Version string        `json:"version,omitempty"`
}

// Target is the wanted title a candidate is evaluated for.
type Target struct {
	GameID       int64            `json:"gameId"`
	Title        string           `json:"title"`
	Tags         []string         `json:"tags,omitempty"`
	Profile      *quality.Profile `json:"-"`
	ExistingFile *ExistingFile    `json:"existingFile,omitempty"`
	// Content is the wanted content type; empty means the base game.
	Content parser.ContentType `json:"content,omitempty"`
}

// DelayProfile configures how long to hold releases of each protocol for games with matching tags.
type DelayProfile struct {
	ID                             int64            `json:"id"`
	Order                          int              `json:"order"`
	PreferredProtocol              release.Protocol `json:"preferredProtocol"`
	UsenetDelay                    int              `json:"usenetDelay"`
	TorrentDelay                   int              `json:"torrentDelay"`
	EnableUsenet                   bool             `json:"enableUsenet"`
	EnableTorrent                  bool             `json:"enableTorrent"`
	BypassIfHighestQuality         bool             `json:"bypassIfHighestQuality"`
	BypassIfAboveCustomFormatScore bool             `json:"bypassIfAboveCustomFormatScore"`
	MinimumCustomFormatScore       int              `json:"minimumCustomFormatScore"`
	Tags                           []string         `json:"tags,omitempty"`
}

// Delay returns the configured delay for protocol.
func (d *DelayProfile) Delay(p release.Protocol) time.Duration {
	minutes := d.TorrentDelay
	if p == release.ProtocolUsenet {
		minutes = d.UsenetDelay
	}
	return time.Duration(minutes) * time.Minute
}

func (d *DelayProfile) Enabled(p release.Protocol) bool {
	if p == release.ProtocolUsenet {
		return d.EnableUsenet
	}
	return d.EnableTorrent
}

// BestDelayProfile picks the lowest ordered profile whose tags intersect tags,
// falling back to the lowest ordered untagged profile. Nil when none apply.
func BestDelayProfile(profiles []DelayProfile, tags []string) *DelayProfile {
	var tagged, untagged *DelayProfile
	for i := range profiles {
		p := &profiles[i]
		if len(p.Tags) == 0 {
			if untagged == nil || p.Order < untagged.Order {
				untagged = p
			}
			continue
		}
		if intersects(p.Tags, tags) && (tagged == nil || p.Order < tagged.Order) {
			tagged = p
		}
	}
	if tagged != nil {
		return tagged
	}
	return untagged
}

// QueueState lists what is already downloading so it is not grabbed twice.
type QueueState struct {
	ReleaseHashes map[string]struct{}
	GUIDs         map[string]struct{}
	// Games holds the in-flight downloads of each bound game.
	Games map[int64][]QueuedDownload
}

// QueuedDownload is the quality of a download still in flight for a game.
type QueuedDownload struct {
	Title   string
	Quality quality.Model
	Version string
}

// SearchContext carries everything download specifications may consult.
type SearchContext struct {
	Target        Target
	DelayProfiles []DelayProfile
	UserInvoked   bool
	Interactive   bool
	Queue         QueueState
	// OldestPending is the publish date of the oldest held release for this game, zero if none.
	OldestPending time.Time
	Now           time.Time
}

// Priority holds the ranking inputs derived during evaluation.
type Priority struct {
	QualityIndex   int              `json:"qualityIndex"`
	Revision       quality.Revision `json:"revision"`
	FormatScore    int              `json:"formatScore"`
	SourcePriority int              `json:"sourcePriority"`
	PublishDate    time.Time        `json:"publishDate"`
}

// Decision is the pipeline outcome for one candidate.
type Decision struct {
	GameID     int64       `json:"gameId"`
	Candidate  *Candidate  `json:"candidate"`
	Rejections []Rejection `json:"rejections,omitempty"`
	Priority   Priority    `json:"priority"`
}

func (d *Decision) Status() Status { return StatusOf(d.Rejections) }

func (d *Decision) Approved() bool { return d.Status() == StatusApproved }

func (d *Decision) TemporarilyRejected() bool { return d.Status() == StatusTemporarilyRejected }

func (d *Decision) Rejected() bool { return d.Status() == StatusRejected }

// Messages returns the rejection messages, for diagnostics.
func (d *Decision) Messages() []string {
	out := make([]string, 0, len(d.Rejections))
	for _, r := range d.Rejections {
		out = append(out, r.Message)
	}
	return out
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.ContainsFunc(b, func(y string) bool { return strings.EqualFold(x, y) }) {
			return true
		}
	}
	return false
}
