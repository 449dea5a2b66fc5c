// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openPool(t *testing.T) *sql.Tx {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE string_pool (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		value TEXT NOT NULL UNIQUE
	)`)
	require.NoError(t, err)

	tx, err := db.BeginTx(t.Context(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback() })
	return tx
}

func TestInternStringsBatch(t *testing.T) {
	tx := openPool(t)
	ctx := t.Context()

	values := []string{"NZBgeek", "Jackett", "NZBgeek", "FitGirl", "Jackett"}
	ids, err := InternStrings(ctx, tx, values...)
	require.NoError(t, err)
	require.Len(t, ids, len(values))

	assert.Equal(t, ids[0], ids[2])
	assert.Equal(t, ids[1], ids[4])
	assert.NotEqual(t, ids[0], ids[1])

	for i, id := range ids {
		var value string
		require.NoError(t, tx.QueryRowContext(ctx, "SELECT value FROM string_pool WHERE id = ?", id).Scan(&value))
		assert.Equal(t, values[i], value)
	}

	again, err := InternStrings(ctx, tx, "FitGirl")
	require.NoError(t, err)
	assert.Equal(t, ids[3], again[0])
}

func TestInternStringsRejectsEmpty(t *testing.T) {
	tx := openPool(t)

	_, err := InternStrings(t.Context(), tx, "ok", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index 1")
}

func TestInternStringsLargeBatch(t *testing.T) {
	tx := openPool(t)

	values := make([]string, maxParams*2+17)
	for i := range values {
		values[i] = fmt.Sprintf("release-%d", i)
	}

	ids, err := InternStrings(t.Context(), tx, values...)
	require.NoError(t, err)
	require.Len(t, ids, len(values))

	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, len(values))
}

func TestInternStringNullable(t *testing.T) {
	tx := openPool(t)

	name := "qBittorrent"
	empty := ""
	ids, err := InternStringNullable(t.Context(), tx, &name, nil, &empty)
	require.NoError(t, err)
	require.Len(t, ids, 3)

	assert.True(t, ids[0].Valid)
	assert.False(t, ids[1].Valid)
	assert.False(t, ids[2].Valid)
}

func TestLookupStringIDs(t *testing.T) {
	tx := openPool(t)
	ctx := t.Context()

	missing, err := lookupStringIDs(ctx, tx, "nope", "")
	require.NoError(t, err)
	assert.False(t, missing[0].Valid)
	assert.False(t, missing[1].Valid)

	ids, err := InternStrings(ctx, tx, "a", "b")
	require.NoError(t, err)

	got, err := lookupStringIDs(ctx, tx, "b", "a", "c")
	require.NoError(t, err)
	assert.Equal(t, sql.NullInt64{Int64: ids[1], Valid: true}, got[0])
	assert.Equal(t, sql.NullInt64{Int64: ids[0], Valid: true}, got[1])
	assert.False(t, got[2].Valid)
}

func TestBuildQueryWithPlaceholders(t *testing.T) {
	assert.Equal(t, "INSERT INTO t VALUES (?),(?),(?)", BuildQueryWithPlaceholders("INSERT INTO t VALUES %s", 1, 3))
	assert.Equal(t, "INSERT INTO t VALUES (?,?)", BuildQueryWithPlaceholders("INSERT INTO t VALUES %s", 2, 1))
}
