// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloadclient describes the boundary to the programs that move release bytes.
package downloadclient

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/release"
)

// ErrUnavailable marks transient client failures: unreachable, logged out or
// overloaded. Automatic grabs convert it into a pending hold.
var ErrUnavailable = errors.New("download client unavailable")

type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Item is one download as reported by a client.
type Item struct {
	ClientID   int64         `json:"clientId"`
	ClientName string        `json:"clientName"`
	DownloadID string        `json:"downloadId"`
	Title      string        `json:"title"`
	Category   string        `json:"category,omitempty"`
	Status     Status        `json:"status"`
	OutputPath string        `json:"outputPath,omitempty"`
	Size       int64         `json:"size"`
	Remaining  int64         `json:"remaining"`
	ETA        time.Duration `json:"eta"`
	Message    string        `json:"message,omitempty"`
}

// Key identifies an item across clients.
func (i Item) Key() string {
	return Key(i.ClientID, i.DownloadID)
}

func Key(clientID int64, downloadID string) string {
	return strconv.FormatInt(clientID, 10) + ":" + downloadID
}

type Client interface {
	ID() int64
	Name() string
	Protocol() release.Protocol
	// GetItems lists the downloads this application is responsible for.
	GetItems(ctx context.Context) ([]Item, error)
	// Download hands the candidate to the client and returns its download id.
	Download(ctx context.Context, c *decision.Candidate) (string, error)
}

// Provider returns the enabled clients, most preferred first.
type Provider interface {
	Clients(ctx context.Context) ([]Client, error)
}

// ForProtocol returns the clients able to handle p, keeping the provider order.
// No matching client is reported as ErrUnavailable.
func ForProtocol(ctx context.Context, provider Provider, p release.Protocol) ([]Client, error) {
	clients, err := provider.Clients(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list download clients")
	}
	var out []Client
	for _, c := range clients {
		if c.Protocol() == p {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(ErrUnavailable, "no enabled %s client", p)
	}
	return out, nil
}
