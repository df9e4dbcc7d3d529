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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/provgraph/services/provenance/scope"
	"github.com/AleutianAI/provgraph/services/provenance/snapshot"
	"github.com/AleutianAI/provgraph/services/provenance/tracestore"
)

// Handlers serves the provenance HTTP API.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates handlers over svc. A nil logger means slog.Default().
func NewHandlers(svc *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger}
}

// HandleHealth handles GET /v1/provenance/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: ServiceVersion})
}

// HandleBuild handles POST /v1/provenance/build.
//
// Description:
//
//	Compiles the requested trials and returns the build report with the
//	graph embedded.
//
// Response:
//
//	200 OK: BuildReport
//	400 Bad Request: invalid body or output path
//	404 Not Found: unknown trial
//	422 Unprocessable Entity: script source missing or unparsable
//	500 Internal Server Error: snapshot or document write failure
//	503 Service Unavailable: service shutting down
func (h *Handlers) HandleBuild(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleBuild")

	var req BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	report, err := h.svc.Build(c.Request.Context(), req)
	if err != nil {
		status, code := classify(err)
		if status >= http.StatusInternalServerError {
			logger.Error("Build failed", "error", err)
		} else {
			logger.Warn("Build rejected", "error", err)
		}
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	c.JSON(http.StatusOK, report)
}

func classify(err error) (int, string) {
	var parseErr *scope.SourceParseError
	switch {
	case errors.Is(err, ErrNoTrials):
		return http.StatusBadRequest, "NO_TRIALS"
	case errors.Is(err, ErrPathTraversal):
		return http.StatusBadRequest, "PATH_TRAVERSAL"
	case errors.Is(err, tracestore.ErrTrialNotFound):
		return http.StatusNotFound, "TRIAL_NOT_FOUND"
	case errors.Is(err, tracestore.ErrSourceUnavailable):
		return http.StatusUnprocessableEntity, "SOURCE_UNAVAILABLE"
	case errors.As(err, &parseErr):
		return http.StatusUnprocessableEntity, "SOURCE_PARSE"
	case errors.Is(err, snapshot.ErrSnapshotWrite):
		return http.StatusInternalServerError, "SNAPSHOT_WRITE"
	case errors.Is(err, ErrServiceClosed):
		return http.StatusServiceUnavailable, "SERVICE_CLOSED"
	default:
		return http.StatusInternalServerError, "BUILD_FAILED"
	}
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
