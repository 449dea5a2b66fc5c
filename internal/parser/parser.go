// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package parser extracts game release metadata from indexer and download client titles.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/cespare/xxhash/v2"
	"github.com/moistari/rls"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/autobrr/gamarr/internal/quality"
)

// ContentType classifies what a release contains relative to the base game.
type ContentType string

const (
	ContentBaseGame   ContentType = "BaseGame"
	ContentUpdate     ContentType = "Update"
	ContentDLC        ContentType = "DLC"
	ContentSeasonPass ContentType = "SeasonPass"
)

// Info is the parsed view of a release title.
type Info struct {
	Name        string        `json:"name"`
	Title       string        `json:"title"`
	CleanTitle  string        `json:"cleanTitle"`
	Year        int           `json:"year,omitempty"`
	Quality     quality.Model `json:"quality"`
	Platform    string        `json:"platform,omitempty"`
	ContentType ContentType   `json:"contentType"`
	Version     string        `json:"version,omitempty"`
	Group       string        `json:"group,omitempty"`
	Hash        string        `json:"hash"`
}

var (
	repackGroups = map[string]struct{}{
		"fitgirl": {}, "dodi": {}, "elamigos": {}, "kaos": {}, "xatab": {},
		"chovka": {}, "masquerade": {}, "darck": {}, "r.g. mechanics": {}, "rg mechanics": {},
	}
	sceneGroups = map[string]struct{}{
		"codex": {}, "cpy": {}, "rune": {}, "skidrow": {}, "tenoke": {}, "flt": {},
		"plaza": {}, "razor1911": {}, "hoodlum": {}, "darksiders": {}, "tinyiso": {},
		"doge": {}, "empress": {}, "reloaded": {}, "prophet": {}, "ali213": {},
		"simplex": {}, "hi2u": {}, "chronos": {}, "scene": {},
	}

	bracketRe   = regexp.MustCompile(`[\[(]([^\])]*)[\])]`)
	groupRe     = regexp.MustCompile(`-([A-Za-z0-9_]+)$`)
	versionRe   = regexp.MustCompile(`(?i)(?:^|[\s._\-(\[])v(?:er(?:sion)?)?[\s._]?(\d+(?:[._]\d+){0,4}[a-z]?)\b`)
	buildRe     = regexp.MustCompile(`(?i)\bbuild[\s._]?(\d{3,})\b`)
	yearRe      = regexp.MustCompile(`^(19[89]\d|20[0-3]\d)$`)
	properRe    = regexp.MustCompile(`(?i)\b(proper|rerip)\b`)
	realRe      = regexp.MustCompile(`\bREAL\b`)
	repackWord  = regexp.MustCompile(`(?i)\brepack\b`)
	portableRe  = regexp.MustCompile(`(?i)\bportable\b`)
	preinstRe   = regexp.MustCompile(`(?i)\bpre[\s._-]?installed\b`)
	gogRe       = regexp.MustCompile(`(?i)\bgog\b`)
	retailRe    = regexp.MustCompile(`(?i)\b(retail|iso)\b`)
	inclRe      = regexp.MustCompile(`(?i)(?:\b(?:incl(?:uding)?|with|and|plus)|\+)[\s._-]*(?:all[\s._-]*)?(?:the[\s._-]*)?(?:\d+[\s._-]*)?(dlcs?|updates?|patch(?:es)?|season[\s._-]*pass)\b`)
	dlcRe       = regexp.MustCompile(`(?i)\bdlcs?\b`)
	updateRe    = regexp.MustCompile(`(?i)\b(update|patch|hotfix|crackfix)\b`)
	seasonRe    = regexp.MustCompile(`(?i)\bseason[\s._-]*pass\b`)
	stopTokenRe = regexp.MustCompile(`(?i)(?:^|\s)(?:v\d+|build\s?\d+|update|patch|hotfix|crackfix|dlcs?|season\s?pass|incl|including|multi\d*|proper|repack|rerip|portable|pre\s?installed|gog|retail|iso|linux|macos|osx|windows|win(?:32|64)?|nsw|ps[345]|x64|x86|goty|deluxe|complete\sedition)\b`)
	spaceRe     = regexp.MustCompile(`\s+`)

	platformTokens = []struct {
		re   *regexp.Regexp
		name string
	}{
		{regexp.MustCompile(`(?i)\b(linux|ubuntu)\b`), "Linux"},
		{regexp.MustCompile(`(?i)\b(macos|osx|mac)\b`), "macOS"},
		{regexp.MustCompile(`(?i)\b(nsw|switch|nsp|xci)\b`), "Switch"},
		{regexp.MustCompile(`(?i)\bps5\b`), "PS5"},
		{regexp.MustCompile(`(?i)\bps4\b`), "PS4"},
		{regexp.MustCompile(`(?i)\bps3\b`), "PS3"},
		{regexp.MustCompile(`(?i)\bxbox(?:[\s._-]?(?:one|360|series))?\b`), "Xbox"},
		{regexp.MustCompile(`(?i)\b(windows|win(?:32|64)?|pc)\b`), "Windows"},
	}
)

// Parse extracts release metadata from name. It never fails; fields it cannot
// determine are left at their zero value and quality falls back to Unknown.
func Parse(name string) *Info {
	info := &Info{
		Name:        name,
		ContentType: ContentBaseGame,
		Quality:     quality.Model{Quality: quality.Unknown, Revision: quality.DefaultRevision},
	}

	spaced := toSpaced(name)
	brackets := bracketRe.FindAllStringSubmatch(spaced, -1)
	unbracketed := strings.TrimSpace(bracketRe.ReplaceAllString(spaced, " "))

	info.Group = detectGroup(name, brackets)
	rel := rls.ParseString(name)
	if info.Group == "" && rel.Group != "" {
		info.Group = rel.Group
	}

	info.Quality.Quality = detectQuality(spaced, info.Group)
	info.Quality.Revision = detectRevision(spaced, info.Quality.Quality)
	info.Platform = detectPlatform(spaced)
	if info.Platform == "" && rel.Platform != "" {
		info.Platform = normalisePlatform(rel.Platform)
	}
	info.ContentType = detectContentType(spaced)
	info.Version = detectVersion(spaced)
	if info.Version == "" && rel.Version != "" {
		info.Version = strings.TrimPrefix(strings.ToLower(rel.Version), "v")
	}

	for _, b := range brackets {
		if yearRe.MatchString(strings.TrimSpace(b[1])) {
			info.Year, _ = strconv.Atoi(strings.TrimSpace(b[1]))
			break
		}
	}

	info.Title = extractTitle(unbracketed, info.Group)
	if info.Title == "" {
		info.Title = strings.TrimSpace(rel.Title)
	}
	info.CleanTitle = NormalizeTitle(info.Title)
	info.Hash = ReleaseHash(name)

	return info
}

// Parser memoizes Parse results, since the same titles come back on every poll and search.
type Parser struct {
	cache *ttlcache.Cache[string, *Info]
}

func New(ttl time.Duration) *Parser {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Parser{
		cache: ttlcache.New(ttlcache.Options[string, *Info]{}.SetDefaultTTL(ttl)),
	}
}

func (p *Parser) Parse(name string) *Info {
	if p == nil || p.cache == nil {
		return Parse(name)
	}
	if cached, ok := p.cache.Get(name); ok {
		return cached
	}
	info := Parse(name)
	p.cache.Set(name, info, ttlcache.DefaultTTL)
	return info
}

// ReleaseHash is a stable identity for a release name, insensitive to separators and case.
func ReleaseHash(name string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(NormalizeTitle(toSpaced(name))))
}

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeTitle lowercases, strips accents and punctuation and collapses whitespace,
// so "Baldur's Gate III: Deluxe" and "Baldurs.Gate.III.Deluxe" compare equal.
func NormalizeTitle(title string) string {
	if folded, _, err := transform.String(foldAccents, title); err == nil {
		title = folded
	}
	title = strings.ToLower(title)
	title = strings.NewReplacer("'", "", "’", "", "‘", "", "`", "", "&", " and ").Replace(title)

	var sb strings.Builder
	sb.Grow(len(title))
	for _, r := range title {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// StripVersionSuffix removes a trailing version or build token from a title,
// eg "Hades v1.38" becomes "Hades". The second result reports whether anything was removed.
func StripVersionSuffix(title string) (string, bool) {
	trimmed := strings.TrimSpace(title)
	for _, re := range []*regexp.Regexp{versionRe, buildRe} {
		loc := re.FindStringIndex(trimmed)
		if loc == nil {
			continue
		}
		rest := strings.TrimSpace(trimmed[loc[1]:])
		if rest != "" {
			continue
		}
		stripped := strings.TrimRight(strings.TrimSpace(trimmed[:loc[0]]), " -._:(")
		if stripped != "" {
			return stripped, true
		}
	}
	return trimmed, false
}

// toSpaced converts dotted or underscored scene names into space separated words,
// leaving dots inside version numbers alone.
func toSpaced(name string) string {
	if strings.Count(name, " ") >= 2 {
		return name
	}
	var sb strings.Builder
	sb.Grow(len(name))
	for i, r := range name {
		if r == '_' || (r == '.' && !betweenDigits(name, i)) {
			sb.WriteByte(' ')
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func betweenDigits(s string, i int) bool {
	return i > 0 && i < len(s)-1 && isDigit(s[i-1]) && isDigit(s[i+1])
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func detectGroup(name string, brackets [][]string) string {
	for _, b := range brackets {
		inner := strings.TrimSpace(b[1])
		lower := strings.ToLower(inner)
		lower = strings.TrimSpace(strings.TrimSuffix(lower, "repack"))
		if _, ok := repackGroups[lower]; ok {
			return strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(inner, "Repack"), "REPACK"))
		}
	}
	trimmed := strings.TrimSpace(bracketRe.ReplaceAllString(name, ""))
	if m := groupRe.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	return ""
}

func detectQuality(spaced, group string) quality.ID {
	g := strings.ToLower(group)
	if _, ok := repackGroups[g]; ok {
		return quality.Repack
	}
	switch {
	case preinstRe.MatchString(spaced):
		return quality.Preinstalled
	case portableRe.MatchString(spaced):
		return quality.Portable
	case gogRe.MatchString(spaced) || g == "gog":
		return quality.GOG
	}
	if _, ok := sceneGroups[g]; ok {
		return quality.Scene
	}
	if retailRe.MatchString(spaced) {
		return quality.Retail
	}
	if repackWord.MatchString(spaced) && !properRe.MatchString(spaced) && group == "" {
		return quality.Repack
	}
	return quality.Unknown
}

func detectRevision(spaced string, q quality.ID) quality.Revision {
	rev := quality.DefaultRevision
	if properRe.MatchString(spaced) || (q != quality.Repack && repackWord.MatchString(spaced)) {
		rev.Version = 2
	}
	rev.Real = len(realRe.FindAllString(spaced, -1))
	return rev
}

func detectPlatform(spaced string) string {
	for _, token := range platformTokens {
		if token.re.MatchString(spaced) {
			return token.name
		}
	}
	return ""
}

func normalisePlatform(p string) string {
	if found := detectPlatform(p); found != "" {
		return found
	}
	return p
}

func detectContentType(spaced string) ContentType {
	// "incl DLC" and friends describe a base game bundle.
	cleaned := inclRe.ReplaceAllString(spaced, " ")
	switch {
	case seasonRe.MatchString(cleaned):
		return ContentSeasonPass
	case dlcRe.MatchString(cleaned):
		return ContentDLC
	case updateRe.MatchString(cleaned):
		return ContentUpdate
	}
	return ContentBaseGame
}

func detectVersion(spaced string) string {
	if m := versionRe.FindStringSubmatch(spaced); m != nil {
		return strings.ReplaceAll(strings.ToLower(m[1]), "_", ".")
	}
	if m := buildRe.FindStringSubmatch(spaced); m != nil {
		return m[1]
	}
	return ""
}

func extractTitle(unbracketed, group string) string {
	title := unbracketed
	if group != "" {
		title = strings.TrimSuffix(title, "-"+group)
	}
	for _, re := range []*regexp.Regexp{stopTokenRe, realRe} {
		if loc := re.FindStringIndex(title); loc != nil && loc[0] > 0 {
			title = title[:loc[0]]
		}
	}
	title = spaceRe.ReplaceAllString(title, " ")
	return strings.Trim(title, " -._:")
}
