// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package events fans acquisition events out to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Type string

const (
	TypeGrabbed         Type = "grabbed"
	TypeImportCompleted Type = "import-completed"
	TypeImportBlocked   Type = "import-blocked"
	TypeDownloadFailed  Type = "download-failed"
)

// Event is one notification. Data carries type specific fields such as the
// indexer, quality or imported paths.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	GameID     int64             `json:"gameId,omitempty"`
	DownloadID string            `json:"downloadId,omitempty"`
	Title      string            `json:"title,omitempty"`
	Message    string            `json:"message,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	Time       time.Time         `json:"time"`
}

const DefaultBuffer = 64

// Bus delivers every published event to every subscriber over a buffered
// channel. A subscriber that falls behind loses events instead of stalling the
// publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	log    zerolog.Logger
	now    func() time.Time
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		log:  log.With().Str("module", "events").Logger(),
		now:  time.Now,
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish stamps ev with an id and time when missing and delivers it. A nil
// bus discards events.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn().Int("subscriber", id).Str("type", string(ev.Type)).Msg("subscriber buffer full, dropping event")
		}
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
