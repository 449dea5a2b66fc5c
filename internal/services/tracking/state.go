// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tracking

import "github.com/autobrr/gamarr/internal/downloadclient"

type State string

const (
	StateDownloading   State = "Downloading"
	StateImportPending State = "ImportPending"
	StateImported      State = "Imported"
	StateImportBlocked State = "ImportBlocked"
	StateFailed        State = "Failed"
	StateIgnored       State = "Ignored"
)

// Terminal states never change again.
func (s State) Terminal() bool {
	switch s {
	case StateImported, StateImportBlocked, StateFailed, StateIgnored:
		return true
	}
	return false
}

// Action is the side effect the caller performs after a transition.
type Action string

const (
	ActionNone     Action = ""
	ActionImport   Action = "Import"
	ActionFailed   Action = "Failed"
	ActionBlocked  Action = "Blocked"
	ActionImported Action = "Imported"
)

type Outcome int

const (
	// OutcomeNone means no import has finished yet.
	OutcomeNone Outcome = iota
	OutcomeImported
	OutcomeBlocked
)

// Observation is what one poll learned about a download.
type Observation struct {
	Status  downloadclient.Status
	Bound   bool
	Outcome Outcome
	Ignored bool
}

// Transition computes the next state and the action to take. Applying it twice
// to the same observation yields ActionNone the second time.
func Transition(current State, obs Observation) (State, Action) {
	if current.Terminal() {
		return current, ActionNone
	}
	if obs.Ignored {
		return StateIgnored, ActionNone
	}
	if obs.Status == downloadclient.StatusFailed {
		return StateFailed, ActionFailed
	}

	switch current {
	case StateImportPending:
		switch obs.Outcome {
		case OutcomeImported:
			return StateImported, ActionImported
		case OutcomeBlocked:
			return StateImportBlocked, ActionBlocked
		}
		return StateImportPending, ActionNone
	default:
		if obs.Status != downloadclient.StatusCompleted {
			return StateDownloading, ActionNone
		}
		if !obs.Bound {
			return StateImportBlocked, ActionBlocked
		}
		return StateImportPending, ActionImport
	}
}
