// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provenance

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	svc, _ := testService(t)
	return NewRouter(NewHandlers(svc, nil))
}

func postBuild(router *gin.Engine, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/provenance/build", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestHandlers_HandleHealth verifies the health endpoint.
func TestHandlers_HandleHealth(t *testing.T) {
	router := setupTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/provenance/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
}

// TestHandlers_HandleBuild verifies a successful build returns the graph.
func TestHandlers_HandleBuild(t *testing.T) {
	router := setupTestRouter(t)

	w := postBuild(router, `{"trials":[1,2]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp struct {
		BuildID string          `json:"build_id"`
		Runs    []RunSummary    `json:"runs"`
		Graph   json.RawMessage `json:"graph"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.BuildID)
	assert.Len(t, resp.Runs, 2)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(resp.Graph, &doc))
	for _, key := range []string{"activity", "entity", "wasInformedBy", "wasGeneratedBy", "used"} {
		assert.Contains(t, doc, key)
	}
}

// TestHandlers_HandleBuild_Errors verifies status codes per failure.
func TestHandlers_HandleBuild_Errors(t *testing.T) {
	router := setupTestRouter(t)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed", `{"trials":`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"empty trials", `{"trials":[]}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"non-positive trial", `{"trials":[0]}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown trial", `{"trials":[42]}`, http.StatusNotFound, "TRIAL_NOT_FOUND"},
		{"parse error", `{"trials":[3]}`, http.StatusUnprocessableEntity, "SOURCE_PARSE"},
		{"no source", `{"trials":[4]}`, http.StatusUnprocessableEntity, "SOURCE_UNAVAILABLE"},
		{"traversal", `{"trials":[1],"output":"../../x.json"}`, http.StatusBadRequest, "PATH_TRAVERSAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postBuild(router, tt.body)
			assert.Equal(t, tt.status, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

// TestHandlers_HandleBuild_OutputOutsideProject verifies a request cannot
// write outside the project directory, even with an absolute path.
func TestHandlers_HandleBuild_OutputOutsideProject(t *testing.T) {
	router := setupTestRouter(t)
	outside := filepath.Join(t.TempDir(), "stolen.json")

	bodies := []string{
		`{"trials":[1],"output":` + jsonString(outside) + `}`,
		`{"trials":[1],"output":` + jsonString(outside) + `,"AllowExternalOutput":true}`,
		`{"trials":[1],"output":"results/../../x.json"}`,
	}
	for _, body := range bodies {
		w := postBuild(router, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "PATH_TRAVERSAL", resp.Code)
	}
	_, err := os.Stat(outside)
	assert.True(t, os.IsNotExist(err), "nothing is written outside the project")
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// TestNewRouter_TracesRequests verifies each request is recorded as a server span.
func TestNewRouter_TracesRequests(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	defer otel.SetTracerProvider(prev)

	router := setupTestRouter(t)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/provenance/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	traced := false
	for _, span := range recorder.Ended() {
		if strings.Contains(span.Name(), "/v1/provenance/health") {
			traced = true
		}
	}
	assert.True(t, traced)

	_, hasMetrics := routeSet(router)["GET /metrics"]
	assert.False(t, hasMetrics, "no /metrics without the Prometheus exporter")
}

func routeSet(router *gin.Engine) map[string]struct{} {
	set := make(map[string]struct{})
	for _, r := range router.Routes() {
		set[r.Method+" "+r.Path] = struct{}{}
	}
	return set
}
