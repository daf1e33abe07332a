// Slippy Tile Proxy Server
// Copyright 2026 cyberang3l
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cyberang3l/slippy-tile-proxy-server

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	var captured string
	h := RequestID(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/opentopomap/1/0/0", nil)
	h(rec, req)

	if captured == "" {
		t.Fatal("expected a request ID to be generated")
	}
	if rec.Header().Get("X-Request-ID") != captured {
		t.Errorf("response header X-Request-ID = %q, want %q", rec.Header().Get("X-Request-ID"), captured)
	}
}

func TestRequestIDForwardsExisting(t *testing.T) {
	var captured string
	h := RequestID(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/opentopomap/1/0/0", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	h(rec, req)

	if captured != "upstream-id" {
		t.Errorf("request ID = %q, want %q", captured, "upstream-id")
	}
}
