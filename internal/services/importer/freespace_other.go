// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build !unix && !windows

package importer

func freeSpace(string) (int64, error) { return -1, nil }
