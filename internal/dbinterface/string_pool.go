// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"
)

// SQLite caps bound parameters at SQLITE_MAX_VARIABLE_NUMBER (999 on older builds).
const maxParams = 900

// BuildQueryWithPlaceholders expands a single %s in template into count groups of
// paramsPerRow placeholders, eg "(?),(?)" for an INSERT ... VALUES %s.
func BuildQueryWithPlaceholders(template string, paramsPerRow, count int) string {
	var group strings.Builder
	group.WriteByte('(')
	for i := 0; i < paramsPerRow; i++ {
		if i > 0 {
			group.WriteByte(',')
		}
		group.WriteByte('?')
	}
	group.WriteByte(')')
	g := group.String()

	var sb strings.Builder
	sb.Grow(count * (len(g) + 1))
	for i := 0; i < count; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(g)
	}
	return strings.Replace(template, "%s", sb.String(), 1)
}

func inClause(prefix string, n int) string {
	var sb strings.Builder
	sb.Grow(len(prefix) + n*2 + 1)
	sb.WriteString(prefix)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('?')
	}
	sb.WriteByte(')')
	return sb.String()
}

// InternStrings stores each value in string_pool once and returns the ids in input order.
// Empty values are rejected; use InternStringNullable for optional columns.
func InternStrings(ctx context.Context, tx TxQuerier, values ...string) ([]int64, error) {
	if len(values) == 0 {
		return []int64{}, nil
	}

	unique := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for i, v := range values {
		if v == "" {
			return nil, errors.Errorf("value at index %d is empty", i)
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		unique = append(unique, v)
	}

	// INSERT then SELECT is cheaper than INSERT ... RETURNING on large batches.
	const queryTemplate = "INSERT OR IGNORE INTO string_pool (value) VALUES %s"
	for i := 0; i < len(unique); i += maxParams {
		chunk := unique[i:min(i+maxParams, len(unique))]
		args := make([]any, len(chunk))
		for j, v := range chunk {
			args[j] = v
		}
		if _, err := tx.ExecContext(ctx, BuildQueryWithPlaceholders(queryTemplate, 1, len(chunk)), args...); err != nil {
			return nil, errors.Wrap(err, "failed to batch insert strings")
		}
	}

	ids, err := lookupStringIDs(ctx, tx, values...)
	if err != nil {
		return nil, err
	}

	result := make([]int64, len(ids))
	for i, id := range ids {
		if !id.Valid {
			return nil, errors.Errorf("failed to get ID for interned string %q", values[i])
		}
		result[i] = id.Int64
	}
	return result, nil
}

// InternStringNullable interns optional values; nil or empty pointers map to an invalid NullInt64.
func InternStringNullable(ctx context.Context, tx TxQuerier, values ...*string) ([]sql.NullInt64, error) {
	results := make([]sql.NullInt64, len(values))
	var nonEmpty []string
	var positions []int

	for i, v := range values {
		if v == nil || *v == "" {
			continue
		}
		nonEmpty = append(nonEmpty, *v)
		positions = append(positions, i)
	}
	if len(nonEmpty) == 0 {
		return results, nil
	}

	ids, err := InternStrings(ctx, tx, nonEmpty...)
	if err != nil {
		return nil, err
	}
	for i, pos := range positions {
		results[pos] = sql.NullInt64{Int64: ids[i], Valid: true}
	}
	return results, nil
}

// lookupStringIDs finds ids without creating entries; missing values are invalid.
func lookupStringIDs(ctx context.Context, tx TxQuerier, values ...string) ([]sql.NullInt64, error) {
	results := make([]sql.NullInt64, len(values))

	positions := make(map[string][]int, len(values))
	unique := make([]string, 0, len(values))
	for i, v := range values {
		if v == "" {
			continue
		}
		if _, ok := positions[v]; !ok {
			unique = append(unique, v)
		}
		positions[v] = append(positions[v], i)
	}

	for i := 0; i < len(unique); i += maxParams {
		chunk := unique[i:min(i+maxParams, len(unique))]
		args := make([]any, len(chunk))
		for j, v := range chunk {
			args[j] = v
		}

		rows, err := tx.QueryContext(ctx, inClause("SELECT id, value FROM string_pool WHERE value IN (", len(chunk)), args...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to query string pool")
		}
		for rows.Next() {
			var id int64
			var value string
			if err := rows.Scan(&id, &value); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "failed to scan string pool row")
			}
			for _, idx := range positions[value] {
				results[idx] = sql.NullInt64{Int64: id, Valid: true}
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, errors.Wrap(err, "error iterating string pool rows")
		}
	}

	return results, nil
}
