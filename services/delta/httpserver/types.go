// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package httpserver exposes a LocalServer over HTTP with gin.
//
// All routes live under /v1/delta. Patches travel in the text encoding
// with content type application/rdf-patch; everything else is JSON. Errors
// are an ErrorResponse whose Code names the sentinel error, so the HTTP
// link can give callers the same errors a local link would.
package httpserver

import (
	"errors"
	"net/http"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
)

// ServiceVersion is the patch log service version.
const ServiceVersion = "0.1.0"

// Error codes carried in ErrorResponse.Code.
const (
	CodeNotFound       = "NOT_FOUND"
	CodeNotRetained    = "NOT_RETAINED"
	CodeConflict       = "CONFLICT"
	CodeExists         = "EXISTS"
	CodeMalformedPatch = "MALFORMED_PATCH"
	CodeInvalidName    = "INVALID_NAME"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnavailable    = "UNAVAILABLE"
	CodeInternal       = "INTERNAL"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the error code.
	Code string `json:"code,omitempty"`
}

// CreateRequest is the body of POST /v1/delta/datasets.
type CreateRequest struct {
	Name string `json:"name" binding:"required"`
	URI  string `json:"uri"`
}

// VersionResponse carries a log version.
type VersionResponse struct {
	Version delta.Version `json:"version"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	DataSources int    `json:"data_sources"`
}

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{delta.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{delta.ErrNotRetained, http.StatusGone, CodeNotRetained},
	{delta.ErrConflict, http.StatusConflict, CodeConflict},
	{delta.ErrExists, http.StatusConflict, CodeExists},
	{patch.ErrMalformedPatch, http.StatusBadRequest, CodeMalformedPatch},
	{delta.ErrInvalidName, http.StatusBadRequest, CodeInvalidName},
	{delta.ErrClosed, http.StatusServiceUnavailable, CodeUnavailable},
}

// StatusFor returns the HTTP status and error code for err.
func StatusFor(err error) (int, string) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

// ErrorForCode returns the sentinel error for a code, or nil if the code
// has none.
func ErrorForCode(code string) error {
	for _, e := range errorTable {
		if e.code == code {
			if e.err == delta.ErrClosed {
				return delta.ErrLinkUnavailable
			}
			return e.err
		}
	}
	return nil
}
