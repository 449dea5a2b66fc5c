// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package quality defines the game release quality catalog, quality profiles
// and the upgrade comparator used by the decision pipeline.
package quality

import "strings"

// ID identifies a quality in the catalog.
type ID string

const (
	Unknown      ID = "unknown"
	Repack       ID = "repack"
	Portable     ID = "portable"
	Preinstalled ID = "preinstalled"
	Scene        ID = "scene"
	GOG          ID = "gog"
	Retail       ID = "retail"
)

// Catalog lists every known quality in the default worst-to-best order.
var Catalog = []ID{Unknown, Repack, Portable, Preinstalled, Scene, GOG, Retail}

var names = map[ID]string{
	Unknown:      "Unknown",
	Repack:       "Repack",
	Portable:     "Portable",
	Preinstalled: "Preinstalled",
	Scene:        "Scene",
	GOG:          "GOG",
	Retail:       "Retail",
}

func (id ID) String() string {
	if n, ok := names[id]; ok {
		return n
	}
	return string(id)
}

// Known reports whether id is part of the catalog.
func (id ID) Known() bool {
	_, ok := names[id]
	return ok
}

// ParseID maps a stored or user supplied name back to an ID, case-insensitively.
func ParseID(s string) ID {
	s = strings.ToLower(strings.TrimSpace(s))
	for id := range names {
		if string(id) == s {
			return id
		}
	}
	return Unknown
}

// Revision distinguishes re-releases of the same quality. Real outranks Version.
type Revision struct {
	Version int `json:"version"`
	Real    int `json:"real"`
}

// DefaultRevision is the revision of an original release.
var DefaultRevision = Revision{Version: 1}

// Compare returns -1, 0 or 1.
func (r Revision) Compare(o Revision) int {
	switch {
	case r.Real > o.Real:
		return 1
	case r.Real < o.Real:
		return -1
	case r.Version > o.Version:
		return 1
	case r.Version < o.Version:
		return -1
	}
	return 0
}

// IsRepack reports whether the revision marks a PROPER, REPACK or REAL release.
func (r Revision) IsRepack() bool {
	return r.Version > 1 || r.Real > 0
}

// Model is a quality together with its revision, as parsed from a release or stored on a file.
type Model struct {
	Quality  ID       `json:"quality"`
	Revision Revision `json:"revision"`
}

func (m Model) String() string {
	s := m.Quality.String()
	if m.Revision.Version > 1 {
		s += " Proper"
	}
	if m.Revision.Real > 0 {
		s += " REAL"
	}
	return s
}
