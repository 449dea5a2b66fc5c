// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/autobrr/gamarr/internal/customformat"
	"github.com/autobrr/gamarr/internal/dbinterface"
	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/quality"
	"github.com/autobrr/gamarr/internal/release"
)

var (
	ErrQualityProfileNotFound = errors.New("quality profile not found")
	ErrDelayProfileNotFound   = errors.New("delay profile not found")
	ErrCustomFormatNotFound   = errors.New("custom format not found")
)

type QualityProfileStore struct {
	db dbinterface.Querier
}

func NewQualityProfileStore(db dbinterface.Querier) *QualityProfileStore {
	return &QualityProfileStore{db: db}
}

type profileColumns struct {
	items, formatItems, platforms string
}

func encodeProfile(p *quality.Profile) (profileColumns, error) {
	var cols profileColumns
	var err error
	if cols.items, err = marshalColumn(p.Items); err != nil {
		return cols, err
	}
	formatItems := p.FormatItems
	if formatItems == nil {
		formatItems = map[int64]int{}
	}
	if cols.formatItems, err = marshalColumn(formatItems); err != nil {
		return cols, err
	}
	if cols.platforms, err = marshalColumn(nonNilStrings(p.PreferredPlatforms)); err != nil {
		return cols, err
	}
	return cols, nil
}

// Create validates the profile before storing it; an invalid profile wraps quality.ErrInvalidProfile.
func (s *QualityProfileStore) Create(ctx context.Context, p *quality.Profile) (*quality.Profile, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	cols, err := encodeProfile(p)
	if err != nil {
		return nil, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO quality_profiles (name, items, cutoff, upgrade_allowed, min_format_score, cutoff_format_score, format_items, preferred_platforms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, p.Name, cols.items, string(p.Cutoff), p.UpgradeAllowed, p.MinFormatScore, p.CutoffFormatScore, cols.formatItems, cols.platforms).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert quality profile")
	}
	return s.Get(ctx, id)
}

func (s *QualityProfileStore) Update(ctx context.Context, p *quality.Profile) (*quality.Profile, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	cols, err := encodeProfile(p)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE quality_profiles SET name = ?, items = ?, cutoff = ?, upgrade_allowed = ?, min_format_score = ?,
			cutoff_format_score = ?, format_items = ?, preferred_platforms = ?
		WHERE id = ?
	`, p.Name, cols.items, string(p.Cutoff), p.UpgradeAllowed, p.MinFormatScore, p.CutoffFormatScore, cols.formatItems, cols.platforms, p.ID)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(result, ErrQualityProfileNotFound); err != nil {
		return nil, err
	}
	return s.Get(ctx, p.ID)
}

const qualityProfileSelect = `
	SELECT id, name, items, cutoff, upgrade_allowed, min_format_score, cutoff_format_score, format_items, preferred_platforms
	FROM quality_profiles
`

func scanQualityProfile(row rowScanner) (*quality.Profile, error) {
	var p quality.Profile
	var items, cutoff, formatItems, platforms string
	if err := row.Scan(&p.ID, &p.Name, &items, &cutoff, &p.UpgradeAllowed, &p.MinFormatScore, &p.CutoffFormatScore, &formatItems, &platforms); err != nil {
		return nil, err
	}
	p.Cutoff = quality.ParseID(cutoff)
	if err := unmarshalColumn(items, &p.Items); err != nil {
		return nil, errors.Wrapf(err, "quality profile %d items", p.ID)
	}
	if err := unmarshalColumn(formatItems, &p.FormatItems); err != nil {
		return nil, errors.Wrapf(err, "quality profile %d format items", p.ID)
	}
	if err := unmarshalColumn(platforms, &p.PreferredPlatforms); err != nil {
		return nil, errors.Wrapf(err, "quality profile %d platforms", p.ID)
	}
	return &p, nil
}

func (s *QualityProfileStore) Get(ctx context.Context, id int64) (*quality.Profile, error) {
	p, err := scanQualityProfile(s.db.QueryRowContext(ctx, qualityProfileSelect+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQualityProfileNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *QualityProfileStore) List(ctx context.Context) ([]*quality.Profile, error) {
	rows, err := s.db.QueryContext(ctx, qualityProfileSelect+" ORDER BY name COLLATE NOCASE ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*quality.Profile
	for rows.Next() {
		p, err := scanQualityProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (s *QualityProfileStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM quality_profiles WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete quality profile")
	}
	return requireAffected(result, ErrQualityProfileNotFound)
}

type DelayProfileStore struct {
	db dbinterface.Querier
}

func NewDelayProfileStore(db dbinterface.Querier) *DelayProfileStore {
	return &DelayProfileStore{db: db}
}

func validateDelayProfile(p *decision.DelayProfile) error {
	if p.PreferredProtocol != "" && !p.PreferredProtocol.Valid() {
		return errors.Errorf("unknown preferred protocol %q", p.PreferredProtocol)
	}
	if p.UsenetDelay < 0 || p.TorrentDelay < 0 {
		return errors.New("delays cannot be negative")
	}
	if !p.EnableUsenet && !p.EnableTorrent {
		return errors.New("at least one protocol must be enabled")
	}
	return nil
}

func (s *DelayProfileStore) Create(ctx context.Context, p *decision.DelayProfile) (*decision.DelayProfile, error) {
	if err := validateDelayProfile(p); err != nil {
		return nil, err
	}
	tags, err := marshalColumn(nonNilStrings(p.Tags))
	if err != nil {
		return nil, err
	}
	protocol := p.PreferredProtocol
	if protocol == "" {
		protocol = release.ProtocolTorrent
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO delay_profiles (sort_order, preferred_protocol, usenet_delay, torrent_delay, enable_usenet, enable_torrent,
			bypass_if_highest_quality, bypass_if_above_format_score, minimum_format_score, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, p.Order, string(protocol), p.UsenetDelay, p.TorrentDelay, p.EnableUsenet, p.EnableTorrent,
		p.BypassIfHighestQuality, p.BypassIfAboveCustomFormatScore, p.MinimumCustomFormatScore, tags).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert delay profile")
	}
	return s.Get(ctx, id)
}

func (s *DelayProfileStore) Update(ctx context.Context, p *decision.DelayProfile) (*decision.DelayProfile, error) {
	if err := validateDelayProfile(p); err != nil {
		return nil, err
	}
	tags, err := marshalColumn(nonNilStrings(p.Tags))
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE delay_profiles SET sort_order = ?, preferred_protocol = ?, usenet_delay = ?, torrent_delay = ?,
			enable_usenet = ?, enable_torrent = ?, bypass_if_highest_quality = ?, bypass_if_above_format_score = ?,
			minimum_format_score = ?, tags = ?
		WHERE id = ?
	`, p.Order, string(p.PreferredProtocol), p.UsenetDelay, p.TorrentDelay, p.EnableUsenet, p.EnableTorrent,
		p.BypassIfHighestQuality, p.BypassIfAboveCustomFormatScore, p.MinimumCustomFormatScore, tags, p.ID)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(result, ErrDelayProfileNotFound); err != nil {
		return nil, err
	}
	return s.Get(ctx, p.ID)
}

const delayProfileSelect = `
	SELECT id, sort_order, preferred_protocol, usenet_delay, torrent_delay, enable_usenet, enable_torrent,
		bypass_if_highest_quality, bypass_if_above_format_score, minimum_format_score, tags
	FROM delay_profiles
`

func scanDelayProfile(row rowScanner) (*decision.DelayProfile, error) {
	var p decision.DelayProfile
	var protocol, tags string
	err := row.Scan(&p.ID, &p.Order, &protocol, &p.UsenetDelay, &p.TorrentDelay, &p.EnableUsenet, &p.EnableTorrent,
		&p.BypassIfHighestQuality, &p.BypassIfAboveCustomFormatScore, &p.MinimumCustomFormatScore, &tags)
	if err != nil {
		return nil, err
	}
	p.PreferredProtocol = release.Protocol(protocol)
	if err := unmarshalColumn(tags, &p.Tags); err != nil {
		return nil, errors.Wrapf(err, "delay profile %d tags", p.ID)
	}
	return &p, nil
}

func (s *DelayProfileStore) Get(ctx context.Context, id int64) (*decision.DelayProfile, error) {
	p, err := scanDelayProfile(s.db.QueryRowContext(ctx, delayProfileSelect+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDelayProfileNotFound
		}
		return nil, err
	}
	return p, nil
}

// List returns every delay profile by order.
func (s *DelayProfileStore) List(ctx context.Context) ([]decision.DelayProfile, error) {
	rows, err := s.db.QueryContext(ctx, delayProfileSelect+" ORDER BY sort_order ASC, id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []decision.DelayProfile
	for rows.Next() {
		p, err := scanDelayProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func (s *DelayProfileStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM delay_profiles WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(result, ErrDelayProfileNotFound)
}

type CustomFormatStore struct {
	db dbinterface.Querier
}

func NewCustomFormatStore(db dbinterface.Querier) *CustomFormatStore {
	return &CustomFormatStore{db: db}
}

// Create compiles the condition first so a broken expression never reaches the engine.
func (s *CustomFormatStore) Create(ctx context.Context, f *customformat.Format) (*customformat.Format, error) {
	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" {
		return nil, errors.New("custom format name cannot be empty")
	}
	if _, err := customformat.Compile(f.Condition); err != nil {
		return nil, err
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO custom_formats (name, condition) VALUES (?, ?) RETURNING id`, f.Name, f.Condition).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert custom format")
	}
	return &customformat.Format{ID: id, Name: f.Name, Condition: f.Condition}, nil
}

func (s *CustomFormatStore) Update(ctx context.Context, f *customformat.Format) error {
	if _, err := customformat.Compile(f.Condition); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `UPDATE custom_formats SET name = ?, condition = ? WHERE id = ?`, f.Name, f.Condition, f.ID)
	if err != nil {
		return err
	}
	return requireAffected(result, ErrCustomFormatNotFound)
}

func (s *CustomFormatStore) List(ctx context.Context) ([]customformat.Format, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, condition FROM custom_formats ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var formats []customformat.Format
	for rows.Next() {
		var f customformat.Format
		if err := rows.Scan(&f.ID, &f.Name, &f.Condition); err != nil {
			return nil, err
		}
		formats = append(formats, f)
	}
	return formats, rows.Err()
}

func (s *CustomFormatStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM custom_formats WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(result, ErrCustomFormatNotFound)
}
