// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestMetricsServerServesRegistry(t *testing.T) {
	m := NewManager()
	m.Grab("ok")

	srv := NewMetricsServer(m, "127.0.0.1", 0, "")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gamarr_grabs_total")
}

func TestMetricsServerBasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("scrape"), bcrypt.MinCost)
	require.NoError(t, err)

	srv := NewMetricsServer(NewManager(), "127.0.0.1", 0, "prom:"+string(hash)+", broken")

	tests := []struct {
		name       string
		user, pass string
		want       int
	}{
		{name: "no credentials", want: http.StatusUnauthorized},
		{name: "wrong password", user: "prom", pass: "nope", want: http.StatusUnauthorized},
		{name: "unknown user", user: "broken", pass: "scrape", want: http.StatusUnauthorized},
		{name: "valid", user: "prom", pass: "scrape", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestParseBasicAuthUsers(t *testing.T) {
	users := parseBasicAuthUsers(" a:$2a$x , :nohash, b:, c:$2b$y")
	assert.Equal(t, map[string]string{"a": "$2a$x", "c": "$2b$y"}, users)
	assert.Empty(t, parseBasicAuthUsers(""))
}
