// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package customformat matches releases against user defined expr conditions.
// A condition is a boolean expression over Env, eg
//
//	Group in ["FLT", "TENOKE"] && !(Title matches "(?i)crackfix")
package customformat

import (
	"sort"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Format struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Condition string `json:"condition"`
}

// Env is the value a condition is evaluated against.
type Env struct {
	Title       string
	GameTitle   string
	Group       string
	Quality     string
	Platform    string
	ContentType string
	Version     string
	Indexer     string
	Protocol    string
	Size        int64
	Seeders     int
	Repack      bool
}

// Compile validates a condition and returns its program.
func Compile(condition string) (*vm.Program, error) {
	if condition == "" {
		return nil, errors.New("condition is empty")
	}
	program, err := expr.Compile(condition, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, errors.Wrap(err, "invalid custom format condition")
	}
	return program, nil
}

type compiled struct {
	format  Format
	program *vm.Program
}

// Engine holds the compiled set of custom formats. Safe for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	formats []compiled
}

func NewEngine(formats []Format) (*Engine, error) {
	e := &Engine{}
	if err := e.Load(formats); err != nil {
		return nil, err
	}
	return e, nil
}

// Load replaces the format set. On error the previous set stays active.
func (e *Engine) Load(formats []Format) error {
	next := make([]compiled, 0, len(formats))
	for _, f := range formats {
		program, err := Compile(f.Condition)
		if err != nil {
			return errors.Wrapf(err, "custom format %q", f.Name)
		}
		next = append(next, compiled{format: f, program: program})
	}
	sort.Slice(next, func(i, j int) bool { return next[i].format.ID < next[j].format.ID })

	e.mu.Lock()
	e.formats = next
	e.mu.Unlock()
	return nil
}

// Match returns the ids of every format whose condition holds for env, in id order.
func (e *Engine) Match(env Env) []int64 {
	if e == nil {
		return nil
	}
	e.mu.RLock()
	formats := e.formats
	e.mu.RUnlock()

	var matched []int64
	for _, c := range formats {
		result, err := expr.Run(c.program, env)
		if err != nil {
			log.Debug().Err(err).Str("format", c.format.Name).Msg("custom format evaluation failed")
			continue
		}
		if ok, _ := result.(bool); ok {
			matched = append(matched, c.format.ID)
		}
	}
	return matched
}

// Formats returns the currently loaded formats.
func (e *Engine) Formats() []Format {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Format, len(e.formats))
	for i, c := range e.formats {
		out[i] = c.format
	}
	return out
}
