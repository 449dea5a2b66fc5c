// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package release holds the source-level view of a release as returned by an indexer.
package release

import (
	"strconv"
	"time"
)

type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
)

func (p Protocol) Valid() bool {
	return p == ProtocolTorrent || p == ProtocolUsenet
}

// Info is one search result from a source.
type Info struct {
	GUID           string    `json:"guid"`
	Title          string    `json:"title"`
	DownloadURL    string    `json:"downloadUrl"`
	InfoURL        string    `json:"infoUrl,omitempty"`
	MagnetURI      string    `json:"magnetUri,omitempty"`
	InfoHash       string    `json:"infoHash,omitempty"`
	PublishDate    time.Time `json:"publishDate"`
	Size           int64     `json:"size"`
	Seeders        int       `json:"seeders,omitempty"`
	Peers          int       `json:"peers,omitempty"`
	Categories     []int     `json:"categories,omitempty"`
	Protocol       Protocol  `json:"protocol"`
	SourceID       int64     `json:"sourceId"`
	SourceName     string    `json:"sourceName"`
	SourcePriority int       `json:"sourcePriority"`
	SourceTags     []string  `json:"sourceTags,omitempty"`
}

// Key identifies a release within the candidate cache.
func (i *Info) Key() string {
	return CacheKey(i.SourceID, i.GUID)
}

func CacheKey(sourceID int64, guid string) string {
	return strconv.FormatInt(sourceID, 10) + ":" + guid
}

// Age is measured from the publish date. A zero publish date counts as brand new.
func (i *Info) Age(now time.Time) time.Duration {
	if i.PublishDate.IsZero() || i.PublishDate.After(now) {
		return 0
	}
	return now.Sub(i.PublishDate)
}

// QueryKind selects the dispatch tier of a query.
type QueryKind string

const (
	QueryIdentifier QueryKind = "identifier"
	QueryText       QueryKind = "text"
)

// Query is one request to a source.
type Query struct {
	Kind       QueryKind `json:"kind"`
	Term       string    `json:"term,omitempty"`
	SteamAppID int64     `json:"steamAppId,omitempty"`
	IGDBID     int64     `json:"igdbId,omitempty"`
	Categories []int     `json:"categories,omitempty"`
	Limit      int       `json:"limit,omitempty"`
}
