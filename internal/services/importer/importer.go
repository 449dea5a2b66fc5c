// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package importer moves completed downloads into the game library.
package importer

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/downloadclient"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/parser"
)

type Mode string

const (
	ModeMove     Mode = "move"
	ModeCopy     Mode = "copy"
	ModeHardlink Mode = "hardlink"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeMove, ModeCopy, ModeHardlink:
		return m, nil
	case "":
		return ModeCopy, nil
	default:
		return "", errors.Errorf("unknown import mode %q", s)
	}
}

// Result is the outcome for one file of a download.
type Result struct {
	File        *decision.LocalFile  `json:"file"`
	Rejections  []decision.Rejection `json:"rejections,omitempty"`
	Imported    bool                 `json:"imported"`
	Destination string               `json:"destination,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// AnyImported reports whether at least one file made it into the library.
func AnyImported(results []Result) bool {
	for _, r := range results {
		if r.Imported {
			return true
		}
	}
	return false
}

type History interface {
	MostRecentGrab(ctx context.Context, downloadID string) (*models.HistoryEntry, error)
	HasImported(ctx context.Context, downloadID string) (bool, error)
}

type FileWriter interface {
	SetFile(ctx context.Context, gameID int64, f *models.GameFile) error
}

type Config struct {
	LibraryDir string
	// MinFreeSpace in bytes that must remain after an import.
	MinFreeSpace int64
}

type Service struct {
	cfg       Config
	history   History
	files     FileWriter
	pipeline  *decision.ImportPipeline
	log       zerolog.Logger
	freeSpace func(path string) (int64, error)
	now       func() time.Time
}

func NewService(cfg Config, history History, files FileWriter, pipeline *decision.ImportPipeline) *Service {
	return &Service{
		cfg:       cfg,
		history:   history,
		files:     files,
		pipeline:  pipeline,
		log:       log.With().Str("module", "importer").Logger(),
		freeSpace: freeSpace,
		now:       time.Now,
	}
}

// ProcessPath evaluates every file below path and transfers the approved ones
// into the game's library folder using mode. Rejected files are reported with
// their reasons and left in place.
func (s *Service) ProcessPath(ctx context.Context, path string, mode Mode, game *models.Game, item downloadclient.Item) ([]Result, error) {
	if game == nil {
		return nil, errors.New("import requires a game")
	}
	if s.cfg.LibraryDir == "" {
		return nil, errors.New("library directory is not configured")
	}

	files, err := collectFiles(path, parser.Parse(item.Title))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	ictx, err := s.importContext(ctx, game, item, files)
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(s.cfg.LibraryDir, FolderName(game))
	results := make([]Result, 0, len(files))
	var imported int64
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		d := s.pipeline.Evaluate(f, ictx)
		r := Result{File: f, Rejections: d.Rejections}
		if !d.Approved() {
			results = append(results, r)
			continue
		}

		target := filepath.Join(dest, f.RelativePath)
		if err := transfer(f.Path, target, mode); err != nil {
			s.log.Error().Err(err).Str("file", f.Path).Str("mode", string(mode)).Msg("failed to import file")
			r.Error = err.Error()
			results = append(results, r)
			continue
		}
		r.Imported = true
		r.Destination = target
		imported += f.Size
		// later files see the space this one took
		if ictx.FreeSpace >= 0 {
			ictx.FreeSpace -= f.Size
		}
		results = append(results, r)
	}

	if !AnyImported(results) {
		return results, nil
	}

	parsed := files[0].Parsed
	gf := &models.GameFile{
		Path:         dest,
		Quality:      parsed.Quality,
		Version:      parsed.Version,
		Size:         imported,
		ReleaseGroup: parsed.Group,
		ImportedAt:   s.now(),
	}
	if ictx.Grabbed != nil {
		gf.Quality = ictx.Grabbed.Quality
	}
	if err := s.files.SetFile(ctx, game.ID, gf); err != nil {
		return results, errors.Wrap(err, "failed to record imported file")
	}

	s.log.Info().
		Int64("gameId", game.ID).
		Str("download", item.Title).
		Str("destination", dest).
		Msg("imported download")
	return results, nil
}

func (s *Service) importContext(ctx context.Context, game *models.Game, item downloadclient.Item, files []*decision.LocalFile) (*decision.ImportContext, error) {
	ictx := &decision.ImportContext{
		Target:       decision.Target{GameID: game.ID, Title: game.Title, Tags: game.Tags},
		DownloadID:   item.DownloadID,
		FreeSpace:    -1,
		MinFreeSpace: s.cfg.MinFreeSpace,
	}
	for _, f := range files {
		ictx.BatchFiles = append(ictx.BatchFiles, f.Path)
	}

	grab, err := s.history.MostRecentGrab(ctx, item.DownloadID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up grab history")
	}
	if grab != nil {
		ictx.Grabbed = &decision.GrabInfo{GameID: grab.GameID, SourceTitle: grab.SourceTitle, Quality: grab.Quality}
	}
	if ictx.AlreadyImported, err = s.history.HasImported(ctx, item.DownloadID); err != nil {
		return nil, errors.Wrap(err, "failed to look up import history")
	}

	if err := os.MkdirAll(s.cfg.LibraryDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create library directory")
	}
	if free, err := s.freeSpace(s.cfg.LibraryDir); err != nil {
		s.log.Debug().Err(err).Str("path", s.cfg.LibraryDir).Msg("free space unknown")
	} else {
		ictx.FreeSpace = free
	}
	return ictx, nil
}

// collectFiles lists the regular files at or below root in a stable order.
func collectFiles(root string, parsed *parser.Info) ([]*decision.LocalFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "download path %s", root)
	}
	if !info.IsDir() {
		return []*decision.LocalFile{{Path: root, RelativePath: filepath.Base(root), Size: info.Size(), Parsed: parsed}}, nil
	}

	var files []*decision.LocalFile
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, &decision.LocalFile{Path: p, RelativePath: rel, Size: fi.Size(), Parsed: parsed})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan %s", root)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelativePath < files[j].RelativePath })
	return files, nil
}

var invalidPathChars = strings.NewReplacer(
	"<", "", ">", "", ":", " -", `"`, "'", "/", " ", `\`, " ", "|", " ", "?", "", "*", "",
)

// FolderName is the library folder for a game, "Title (Year)" when the year is known.
func FolderName(g *models.Game) string {
	name := strings.Join(strings.Fields(invalidPathChars.Replace(g.Title)), " ")
	name = strings.TrimRight(name, ". ")
	if name == "" {
		name = "game-" + strconv.FormatInt(g.ID, 10)
	}
	if g.Year > 0 {
		name += " (" + strconv.Itoa(g.Year) + ")"
	}
	return name
}

func transfer(src, dst string, mode Mode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	switch mode {
	case ModeMove:
		if err := os.Rename(src, dst); err == nil {
			return nil
		}
		// crossing filesystems
		if err := copyFile(src, dst); err != nil {
			return err
		}
		return os.Remove(src)
	case ModeHardlink:
		_ = os.Remove(dst)
		if err := os.Link(src, dst); err == nil {
			return nil
		}
		return copyFile(src, dst)
	default:
		return copyFile(src, dst)
	}
}

// copyFile writes through a temporary sibling and renames it into place.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
