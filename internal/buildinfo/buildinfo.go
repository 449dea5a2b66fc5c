// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package buildinfo holds version metadata injected at link time.
package buildinfo

import "fmt"

var (
	Version = "dev"
	Commit  = ""
	Date    = ""

	// UserAgent is sent on every outbound indexer and download client request.
	UserAgent = "gamarr/" + Version
)

// SetVersion overrides the build metadata, refreshing UserAgent.
func SetVersion(version, commit, date string) {
	if version != "" {
		Version = version
	}
	Commit = commit
	Date = date
	UserAgent = "gamarr/" + Version
}

// String renders the metadata for the version command.
func String() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuild date: %s", Version, Commit, Date)
}
