// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package decision

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/autobrr/gamarr/internal/parser"
	"github.com/autobrr/gamarr/internal/quality"
)

// SampleMaxSize is the size below which a file named like a sample is treated as one.
const SampleMaxSize = 100 << 20

// LocalFile is one file of a completed download.
type LocalFile struct {
	Path         string       `json:"path"`
	RelativePath string       `json:"relativePath"`
	Size         int64        `json:"size"`
	Parsed       *parser.Info `json:"parsed,omitempty"`
}

// GrabInfo is what history recorded when the download was grabbed.
type GrabInfo struct {
	GameID      int64         `json:"gameId"`
	SourceTitle string        `json:"sourceTitle"`
	Quality     quality.Model `json:"quality"`
}

// ImportContext carries the state import specifications consult.
type ImportContext struct {
	Target          Target
	DownloadID      string
	Grabbed         *GrabInfo
	AlreadyImported bool
	// FreeSpace at the destination in bytes; negative when unknown.
	FreeSpace    int64
	MinFreeSpace int64
	BatchFiles   []string
}

// ImportDecision is the outcome for one local file.
type ImportDecision struct {
	File       *LocalFile  `json:"file"`
	Rejections []Rejection `json:"rejections,omitempty"`
}

func (d *ImportDecision) Approved() bool { return len(d.Rejections) == 0 }

// ImportPipeline decides whether files on disk may be imported into the library.
type ImportPipeline struct {
	*Pipeline[*LocalFile, *ImportContext]
}

func NewImportPipeline() *ImportPipeline {
	return &ImportPipeline{newPipeline[*LocalFile, *ImportContext](
		alreadyImportedSpec{},
		matchesGrabSpec{},
		sampleSpec{},
		multiPartSpec{},
		freeSpaceSpec{},
	)}
}

// Evaluate always collects every rejection so the import result explains itself.
func (p *ImportPipeline) Evaluate(file *LocalFile, ctx *ImportContext) *ImportDecision {
	return &ImportDecision{File: file, Rejections: p.All(file, ctx)}
}

type freeSpaceSpec struct{}

func (freeSpaceSpec) Name() string { return "FreeSpace" }

func (freeSpaceSpec) Evaluate(f *LocalFile, ctx *ImportContext) *Rejection {
	if ctx.FreeSpace < 0 {
		return nil
	}
	if ctx.FreeSpace-f.Size >= ctx.MinFreeSpace {
		return nil
	}
	return reject(ReasonFreeSpace, fmt.Sprintf("not enough free space: %s free, %s needed plus %s reserved",
		humanize.IBytes(uint64(ctx.FreeSpace)), humanize.IBytes(uint64(f.Size)), humanize.IBytes(uint64(ctx.MinFreeSpace))))
}

type alreadyImportedSpec struct{}

func (alreadyImportedSpec) Name() string { return "AlreadyImported" }

func (alreadyImportedSpec) Evaluate(_ *LocalFile, ctx *ImportContext) *Rejection {
	if !ctx.AlreadyImported {
		return nil
	}
	return reject(ReasonAlreadyImported, fmt.Sprintf("download %s was already imported", ctx.DownloadID))
}

type matchesGrabSpec struct{}

func (matchesGrabSpec) Name() string { return "MatchesGrab" }

func (matchesGrabSpec) Evaluate(_ *LocalFile, ctx *ImportContext) *Rejection {
	if ctx.Grabbed == nil || ctx.Grabbed.GameID == ctx.Target.GameID {
		return nil
	}
	return reject(ReasonGrabMismatch, fmt.Sprintf("download was grabbed for a different game (%s)", ctx.Grabbed.SourceTitle))
}

var sampleRe = regexp.MustCompile(`(?i)(?:^|[\W_])sample(?:[\W_]|$)`)

type sampleSpec struct{}

func (sampleSpec) Name() string { return "Sample" }

func (sampleSpec) Evaluate(f *LocalFile, _ *ImportContext) *Rejection {
	if f.Size >= SampleMaxSize || !sampleRe.MatchString(filepath.Base(f.Path)) {
		return nil
	}
	return reject(ReasonSample, "file is a sample")
}

var volumePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(.*)\.part(\d+)\.rar$`),
	regexp.MustCompile(`(?i)^(.*\.(?:7z|zip|rar))\.(\d{3})$`),
}

// splitVolume returns the archive set name and 1-based volume number of a split archive part.
func splitVolume(name string) (string, int, bool) {
	for _, re := range volumePatterns {
		if m := re.FindStringSubmatch(name); m != nil {
			n, err := strconv.Atoi(m[2])
			if err != nil {
				return "", 0, false
			}
			return strings.ToLower(m[1]), n, true
		}
	}
	return "", 0, false
}

type multiPartSpec struct{}

func (multiPartSpec) Name() string { return "MultiPart" }

// Evaluate rejects volumes of a split archive whose set is incomplete in this batch.
func (multiPartSpec) Evaluate(f *LocalFile, ctx *ImportContext) *Rejection {
	set, _, ok := splitVolume(filepath.Base(f.Path))
	if !ok {
		return nil
	}

	present := map[int]struct{}{}
	highest := 0
	for _, other := range ctx.BatchFiles {
		otherSet, n, ok := splitVolume(filepath.Base(other))
		if !ok || otherSet != set {
			continue
		}
		present[n] = struct{}{}
		highest = max(highest, n)
	}

	first := 1
	if _, ok := present[0]; ok {
		first = 0
	}
	for i := first; i <= highest; i++ {
		if _, ok := present[i]; !ok {
			return reject(ReasonMultiPart, fmt.Sprintf("archive set %s is missing volume %d", set, i))
		}
	}
	return nil
}
