// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/autobrr/gamarr/internal/dbinterface"
	"github.com/autobrr/gamarr/internal/domain"
)

var ErrDownloadClientNotFound = errors.New("download client not found")

const defaultClientCategory = "gamarr"

// DownloadClient is a qBittorrent instance grabs are sent to.
type DownloadClient struct {
	ID                     int64   `json:"id"`
	Name                   string  `json:"name"`
	Host                   string  `json:"host"`
	Username               string  `json:"username"`
	PasswordEncrypted      string  `json:"-"`
	BasicUsername          *string `json:"basicUsername,omitempty"`
	BasicPasswordEncrypted *string `json:"-"`
	Category               string  `json:"category"`
	Priority               int     `json:"priority"`
	Enabled                bool    `json:"enabled"`
	TLSSkipVerify          bool    `json:"tlsSkipVerify"`
}

func (c DownloadClient) MarshalJSON() ([]byte, error) {
	type plain DownloadClient
	basicPassword := ""
	if c.BasicPasswordEncrypted != nil {
		basicPassword = domain.RedactString(*c.BasicPasswordEncrypted)
	}
	return json.Marshal(&struct {
		plain
		Password      string `json:"password,omitempty"`
		BasicPassword string `json:"basicPassword,omitempty"`
	}{
		plain:         plain(c),
		Password:      domain.RedactString(c.PasswordEncrypted),
		BasicPassword: basicPassword,
	})
}

// DownloadClientInput carries plaintext credentials from the API. Redacted or empty
// passwords leave the stored value untouched on update.
type DownloadClientInput struct {
	Name          string  `json:"name"`
	Host          string  `json:"host"`
	Username      string  `json:"username"`
	Password      string  `json:"password"`
	BasicUsername *string `json:"basicUsername,omitempty"`
	BasicPassword *string `json:"basicPassword,omitempty"`
	Category      string  `json:"category"`
	Priority      int     `json:"priority"`
	Enabled       *bool   `json:"enabled,omitempty"`
	TLSSkipVerify bool    `json:"tlsSkipVerify"`
}

type DownloadClientStore struct {
	db  dbinterface.Querier
	box *secretBox
}

func NewDownloadClientStore(db dbinterface.Querier, encryptionKey []byte) (*DownloadClientStore, error) {
	box, err := newSecretBox(encryptionKey)
	if err != nil {
		return nil, err
	}
	return &DownloadClientStore{db: db, box: box}, nil
}

// validateAndNormalizeHost validates a client or indexer URL, defaulting the scheme to http.
func validateAndNormalizeHost(rawHost string) (string, error) {
	rawHost = strings.TrimSpace(rawHost)
	if rawHost == "" {
		return "", errors.New("host cannot be empty")
	}

	if !strings.Contains(rawHost, "://") {
		rawHost = "http://" + rawHost
	}

	u, err := url.Parse(rawHost)
	if err != nil {
		return "", errors.Wrap(err, "invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Errorf("unsupported scheme %q: must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("URL must include a host")
	}

	return u.String(), nil
}

func (in *DownloadClientInput) normalize() (string, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return "", errors.New("download client name cannot be empty")
	}
	if in.Category == "" {
		in.Category = defaultClientCategory
	}
	if in.Priority <= 0 {
		in.Priority = 1
	}
	return validateAndNormalizeHost(in.Host)
}

func (s *DownloadClientStore) Create(ctx context.Context, in DownloadClientInput) (*DownloadClient, error) {
	host, err := in.normalize()
	if err != nil {
		return nil, err
	}

	password, err := s.box.encrypt(in.Password)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encrypt password")
	}

	var basicPassword *string
	if in.BasicPassword != nil && *in.BasicPassword != "" {
		encrypted, err := s.box.encrypt(*in.BasicPassword)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encrypt basic auth password")
		}
		basicPassword = &encrypted
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO download_clients (name, host, username, password_encrypted, basic_username, basic_password_encrypted,
			category, priority, enabled, tls_skip_verify)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, in.Name, host, in.Username, password, in.BasicUsername, basicPassword,
		in.Category, in.Priority, enabled, in.TLSSkipVerify).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert download client")
	}

	return s.Get(ctx, id)
}

func (s *DownloadClientStore) Update(ctx context.Context, id int64, in DownloadClientInput) (*DownloadClient, error) {
	host, err := in.normalize()
	if err != nil {
		return nil, err
	}

	query := "UPDATE download_clients SET name = ?, host = ?, username = ?, category = ?, priority = ?, tls_skip_verify = ?"
	args := []any{in.Name, host, in.Username, in.Category, in.Priority, in.TLSSkipVerify}

	if in.Enabled != nil {
		query += ", enabled = ?"
		args = append(args, *in.Enabled)
	}

	if in.BasicUsername != nil {
		if *in.BasicUsername == "" {
			query += ", basic_username = NULL"
		} else {
			query += ", basic_username = ?"
			args = append(args, *in.BasicUsername)
		}
	}

	if in.Password != "" && !domain.IsRedactedString(in.Password) {
		encrypted, err := s.box.encrypt(in.Password)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encrypt password")
		}
		query += ", password_encrypted = ?"
		args = append(args, encrypted)
	}

	if in.BasicPassword != nil && !domain.IsRedactedString(*in.BasicPassword) {
		if *in.BasicPassword == "" {
			query += ", basic_password_encrypted = NULL"
		} else {
			encrypted, err := s.box.encrypt(*in.BasicPassword)
			if err != nil {
				return nil, errors.Wrap(err, "failed to encrypt basic auth password")
			}
			query += ", basic_password_encrypted = ?"
			args = append(args, encrypted)
		}
	}

	query += " WHERE id = ?"
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(result, ErrDownloadClientNotFound); err != nil {
		return nil, err
	}

	return s.Get(ctx, id)
}

const downloadClientSelect = `
	SELECT id, name, host, username, password_encrypted, basic_username, basic_password_encrypted,
		category, priority, enabled, tls_skip_verify
	FROM download_clients
`

func scanDownloadClient(row rowScanner) (*DownloadClient, error) {
	var c DownloadClient
	var basicUsername, basicPassword sql.NullString
	err := row.Scan(&c.ID, &c.Name, &c.Host, &c.Username, &c.PasswordEncrypted, &basicUsername, &basicPassword,
		&c.Category, &c.Priority, &c.Enabled, &c.TLSSkipVerify)
	if err != nil {
		return nil, err
	}
	if basicUsername.Valid {
		c.BasicUsername = &basicUsername.String
	}
	if basicPassword.Valid {
		c.BasicPasswordEncrypted = &basicPassword.String
	}
	return &c, nil
}

func (s *DownloadClientStore) Get(ctx context.Context, id int64) (*DownloadClient, error) {
	c, err := scanDownloadClient(s.db.QueryRowContext(ctx, downloadClientSelect+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDownloadClientNotFound
		}
		return nil, err
	}
	return c, nil
}

// List returns clients by priority, the preferred client first.
func (s *DownloadClientStore) List(ctx context.Context) ([]*DownloadClient, error) {
	rows, err := s.db.QueryContext(ctx, downloadClientSelect+" ORDER BY priority ASC, name COLLATE NOCASE ASC, id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*DownloadClient
	for rows.Next() {
		c, err := scanDownloadClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func (s *DownloadClientStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM download_clients WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(result, ErrDownloadClientNotFound)
}

func (s *DownloadClientStore) GetDecryptedPassword(c *DownloadClient) (string, error) {
	return s.box.decrypt(c.PasswordEncrypted)
}

func (s *DownloadClientStore) GetDecryptedBasicPassword(c *DownloadClient) (*string, error) {
	if c.BasicPasswordEncrypted == nil {
		return nil, nil
	}
	decrypted, err := s.box.decrypt(*c.BasicPasswordEncrypted)
	if err != nil {
		return nil, err
	}
	return &decrypted, nil
}
