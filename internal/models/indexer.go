// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/autobrr/gamarr/internal/dbinterface"
	"github.com/autobrr/gamarr/internal/domain"
	"github.com/autobrr/gamarr/internal/release"
)

var ErrIndexerNotFound = errors.New("indexer not found")

// Indexer is a Torznab or Newznab release source.
type Indexer struct {
	ID               int64            `json:"id"`
	Name             string           `json:"name"`
	BaseURL          string           `json:"baseUrl"`
	APIKeyEncrypted  string           `json:"-"`
	Protocol         release.Protocol `json:"protocol"`
	Priority         int              `json:"priority"`
	Enabled          bool             `json:"enabled"`
	Tags             []string         `json:"tags,omitempty"`
	Categories       []int            `json:"categories,omitempty"`
	SupportsIDSearch bool             `json:"supportsIdSearch"`
	CapsUpdatedAt    *time.Time       `json:"capsUpdatedAt,omitempty"`
}

func (i Indexer) MarshalJSON() ([]byte, error) {
	type plain Indexer
	return json.Marshal(&struct {
		plain
		APIKey string `json:"apiKey,omitempty"`
	}{
		plain:  plain(i),
		APIKey: domain.RedactString(i.APIKeyEncrypted),
	})
}

type IndexerStore struct {
	db  dbinterface.Querier
	box *secretBox
}

func NewIndexerStore(db dbinterface.Querier, encryptionKey []byte) (*IndexerStore, error) {
	box, err := newSecretBox(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &IndexerStore{db: db, box: box}, nil
}

func normalizeIndexer(in *Indexer) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return errors.New("indexer name cannot be empty")
	}
	baseURL, err := validateAndNormalizeHost(in.BaseURL)
	if err != nil {
		return err
	}
	in.BaseURL = strings.TrimRight(baseURL, "/")
	if in.Protocol == "" {
		in.Protocol = release.ProtocolTorrent
	}
	if !in.Protocol.Valid() {
		return errors.Errorf("unknown protocol %q", in.Protocol)
	}
	if in.Priority <= 0 {
		in.Priority = 25
	}
	return nil
}

func (s *IndexerStore) Create(ctx context.Context, in *Indexer, apiKey string) (*Indexer, error) {
	if err := normalizeIndexer(in); err != nil {
		return nil, err
	}
	encrypted, err := s.box.encrypt(apiKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encrypt api key")
	}
	tags, err := marshalColumn(nonNilStrings(in.Tags))
	if err != nil {
		return nil, err
	}
	categories, err := marshalColumn(in.Categories)
	if err != nil {
		return nil, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO indexers (name, base_url, api_key_encrypted, protocol, priority, enabled, tags, categories)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, in.Name, in.BaseURL, encrypted, string(in.Protocol), in.Priority, in.Enabled, tags, categories).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert indexer")
	}
	return s.Get(ctx, id)
}

// Update stores in. A nil apiKey keeps the stored key.
func (s *IndexerStore) Update(ctx context.Context, in *Indexer, apiKey *string) (*Indexer, error) {
	if err := normalizeIndexer(in); err != nil {
		return nil, err
	}
	tags, err := marshalColumn(nonNilStrings(in.Tags))
	if err != nil {
		return nil, err
	}
	categories, err := marshalColumn(in.Categories)
	if err != nil {
		return nil, err
	}

	query := "UPDATE indexers SET name = ?, base_url = ?, protocol = ?, priority = ?, enabled = ?, tags = ?, categories = ?"
	args := []any{in.Name, in.BaseURL, string(in.Protocol), in.Priority, in.Enabled, tags, categories}

	if apiKey != nil && !domain.IsRedactedString(*apiKey) {
		encrypted, err := s.box.encrypt(*apiKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encrypt api key")
		}
		query += ", api_key_encrypted = ?"
		args = append(args, encrypted)
	}

	query += " WHERE id = ?"
	args = append(args, in.ID)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(result, ErrIndexerNotFound); err != nil {
		return nil, err
	}
	return s.Get(ctx, in.ID)
}

// UpdateCaps caches what the indexer reported from t=caps.
func (s *IndexerStore) UpdateCaps(ctx context.Context, id int64, supportsIDSearch bool, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE indexers SET supports_id_search = ?, caps_updated_at = ? WHERE id = ?`,
		supportsIDSearch, at.UTC(), id)
	if err != nil {
		return err
	}
	return requireAffected(result, ErrIndexerNotFound)
}

const indexerSelect = `
	SELECT id, name, base_url, api_key_encrypted, protocol, priority, enabled, tags, categories, supports_id_search, caps_updated_at
	FROM indexers
`

func scanIndexer(row rowScanner) (*Indexer, error) {
	var in Indexer
	var protocol, tags, categories string
	var capsUpdated sql.NullTime
	err := row.Scan(&in.ID, &in.Name, &in.BaseURL, &in.APIKeyEncrypted, &protocol, &in.Priority, &in.Enabled,
		&tags, &categories, &in.SupportsIDSearch, &capsUpdated)
	if err != nil {
		return nil, err
	}
	in.Protocol = release.Protocol(protocol)
	if err := unmarshalColumn(tags, &in.Tags); err != nil {
		return nil, errors.Wrapf(err, "indexer %d tags", in.ID)
	}
	if err := unmarshalColumn(categories, &in.Categories); err != nil {
		return nil, errors.Wrapf(err, "indexer %d categories", in.ID)
	}
	if capsUpdated.Valid {
		t := capsUpdated.Time
		in.CapsUpdatedAt = &t
	}
	return &in, nil
}

func (s *IndexerStore) Get(ctx context.Context, id int64) (*Indexer, error) {
	in, err := scanIndexer(s.db.QueryRowContext(ctx, indexerSelect+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIndexerNotFound
		}
		return nil, err
	}
	return in, nil
}

func (s *IndexerStore) List(ctx context.Context) ([]*Indexer, error) {
	rows, err := s.db.QueryContext(ctx, indexerSelect+" ORDER BY priority ASC, name COLLATE NOCASE ASC, id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var indexers []*Indexer
	for rows.Next() {
		in, err := scanIndexer(rows)
		if err != nil {
			return nil, err
		}
		indexers = append(indexers, in)
	}
	return indexers, rows.Err()
}

func (s *IndexerStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM indexers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(result, ErrIndexerNotFound)
}

func (s *IndexerStore) GetDecryptedAPIKey(in *Indexer) (string, error) {
	return s.box.decrypt(in.APIKeyEncrypted)
}
