// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/autobrr/gamarr/internal/downloadclient"
)

func TestTransition(t *testing.T) {
	completed := downloadclient.StatusCompleted
	tests := []struct {
		name    string
		current State
		obs     Observation
		want    State
		action  Action
	}{
		{"still downloading", StateDownloading, Observation{Status: downloadclient.StatusDownloading, Bound: true}, StateDownloading, ActionNone},
		{"paused", StateDownloading, Observation{Status: downloadclient.StatusPaused}, StateDownloading, ActionNone},
		{"completed and bound", StateDownloading, Observation{Status: completed, Bound: true}, StateImportPending, ActionImport},
		{"completed unbound", StateDownloading, Observation{Status: completed}, StateImportBlocked, ActionBlocked},
		{"client failure while downloading", StateDownloading, Observation{Status: downloadclient.StatusFailed, Bound: true}, StateFailed, ActionFailed},
		{"client failure while importing", StateImportPending, Observation{Status: downloadclient.StatusFailed, Bound: true}, StateFailed, ActionFailed},
		{"import in flight", StateImportPending, Observation{Status: completed, Bound: true}, StateImportPending, ActionNone},
		{"import succeeded", StateImportPending, Observation{Status: completed, Bound: true, Outcome: OutcomeImported}, StateImported, ActionImported},
		{"import blocked", StateImportPending, Observation{Status: completed, Bound: true, Outcome: OutcomeBlocked}, StateImportBlocked, ActionBlocked},
		{"ignored", StateDownloading, Observation{Status: completed, Bound: true, Ignored: true}, StateIgnored, ActionNone},
		{"imported is terminal", StateImported, Observation{Status: downloadclient.StatusFailed}, StateImported, ActionNone},
		{"blocked is terminal", StateImportBlocked, Observation{Status: completed, Bound: true}, StateImportBlocked, ActionNone},
		{"failed is terminal", StateFailed, Observation{Status: completed, Bound: true}, StateFailed, ActionNone},
		{"ignored is terminal", StateIgnored, Observation{Status: downloadclient.StatusFailed}, StateIgnored, ActionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, action := Transition(tt.current, tt.obs)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.action, action)
		})
	}
}

func TestTransitionIsIdempotent(t *testing.T) {
	observations := []Observation{
		{Status: downloadclient.StatusDownloading, Bound: true},
		{Status: downloadclient.StatusCompleted, Bound: true},
		{Status: downloadclient.StatusCompleted},
		{Status: downloadclient.StatusFailed},
		{Status: downloadclient.StatusCompleted, Bound: true, Outcome: OutcomeImported},
		{Status: downloadclient.StatusCompleted, Bound: true, Outcome: OutcomeBlocked},
	}
	for _, start := range []State{StateDownloading, StateImportPending} {
		for _, obs := range observations {
			if start == StateDownloading && obs.Outcome != OutcomeNone {
				// outcomes only exist once an import was launched
				continue
			}
			next, _ := Transition(start, obs)
			again, action := Transition(next, obs)
			assert.Equal(t, next, again, "start %s obs %+v", start, obs)
			assert.Equal(t, ActionNone, action, "start %s obs %+v", start, obs)
		}
	}
}
