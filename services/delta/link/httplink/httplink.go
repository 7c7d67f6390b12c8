// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package httplink implements link.Link against the HTTP server in
// package httpserver.
package httplink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/httpserver"
	"github.com/AleutianAI/AleutianDelta/services/delta/link"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
)

var tracer = otel.Tracer("aleutian.delta.httplink")

// DefaultTimeout bounds every request when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// Config configures a Client.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:1066".
	BaseURL string

	// Timeout bounds each request. Default DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// RemoteError is an error response from the server. It unwraps to the
// sentinel error named by its code, if any.
type RemoteError struct {
	Status  int
	Code    string
	Message string

	kind error
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server %d: %s", e.Status, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.kind }

// Client is a Link over HTTP.
//
// Description:
//
//	Every call is one HTTP request bounded by the configured timeout. A
//	request that cannot reach the server, times out, or gets a 502, 503 or
//	504 fails with delta.ErrLinkUnavailable. Other error responses are
//	decoded into a *RemoteError that matches the same sentinel errors a
//	local link returns.
//
// Thread Safety: Safe for concurrent use.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

var (
	_ link.Link    = (*Client)(nil)
	_ link.Watcher = (*Client)(nil)
)

// New returns a client for the server at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("httplink: invalid base url %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/") + httpserver.BasePath,
		http:   hc,
		logger: logger.With(slog.String("component", "httplink"), slog.String("server", u.Host)),
	}, nil
}

// -----------------------------------------------------------------------------
// Transport
// -----------------------------------------------------------------------------

func datasetPath(id delta.ID) string {
	return "/datasets/" + url.PathEscape(id.String())
}

// do sends one request and returns the response when its status is below
// 400. The caller closes the body.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	ctx, span := tracer.Start(ctx, "httplink."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
	defer span.End()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, ctxErr
		}
		c.logger.Debug("server unreachable", slog.String("path", path), slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", delta.ErrLinkUnavailable, err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < http.StatusBadRequest {
		return resp, nil
	}

	defer resp.Body.Close()
	rerr := decodeError(resp)
	span.SetStatus(codes.Error, rerr.Error())
	return nil, rerr
}

func decodeError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: server returned %d", delta.ErrLinkUnavailable, resp.StatusCode)
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var er httpserver.ErrorResponse
	if err := json.Unmarshal(data, &er); err != nil || er.Error == "" {
		er = httpserver.ErrorResponse{Error: strings.TrimSpace(string(data))}
	}
	kind := httpserver.ErrorForCode(er.Code)
	if kind == nil && resp.StatusCode == http.StatusNotFound {
		kind = delta.ErrNotFound
	}
	return &RemoteError{Status: resp.StatusCode, Code: er.Code, Message: er.Error, kind: kind}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(ctx, resp, out)
}

// decodeJSON reads the whole body before decoding so a connection lost
// mid-body surfaces as delta.ErrLinkUnavailable rather than bad JSON.
func decodeJSON(ctx context.Context, resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
			return ctxErr
		}
		return fmt.Errorf("%w: read response: %v", delta.ErrLinkUnavailable, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Link
// -----------------------------------------------------------------------------

func (c *Client) NewDataSource(ctx context.Context, name, uri string) (delta.ID, error) {
	body, err := json.Marshal(httpserver.CreateRequest{Name: name, URI: uri})
	if err != nil {
		return delta.NilID, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/datasets", body, "application/json")
	if err != nil {
		return delta.NilID, err
	}
	defer resp.Body.Close()
	var dsd delta.DataSourceDescription
	if err := decodeJSON(ctx, resp, &dsd); err != nil {
		return delta.NilID, err
	}
	return dsd.ID, nil
}

func (c *Client) RemoveDataSource(ctx context.Context, id delta.ID) error {
	resp, err := c.do(ctx, http.MethodDelete, datasetPath(id), nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) ListDescriptions(ctx context.Context) ([]delta.DataSourceDescription, error) {
	var dsds []delta.DataSourceDescription
	if err := c.getJSON(ctx, "/datasets", &dsds); err != nil {
		return nil, err
	}
	return dsds, nil
}

func (c *Client) ListDatasets(ctx context.Context) ([]delta.ID, error) {
	dsds, err := c.ListDescriptions(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]delta.ID, len(dsds))
	for i, dsd := range dsds {
		ids[i] = dsd.ID
	}
	return ids, nil
}

func (c *Client) GetDataSourceDescription(ctx context.Context, id delta.ID) (*delta.DataSourceDescription, error) {
	return c.description(ctx, datasetPath(id))
}

func (c *Client) GetDataSourceDescriptionByName(ctx context.Context, name string) (*delta.DataSourceDescription, error) {
	return c.description(ctx, "/datasets/by-name/"+url.PathEscape(name))
}

func (c *Client) description(ctx context.Context, path string) (*delta.DataSourceDescription, error) {
	var dsd delta.DataSourceDescription
	err := c.getJSON(ctx, path, &dsd)
	if errors.Is(err, delta.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dsd, nil
}

func (c *Client) GetPatchLogInfo(ctx context.Context, id delta.ID) (delta.PatchLogInfo, error) {
	var info delta.PatchLogInfo
	err := c.getJSON(ctx, datasetPath(id)+"/info", &info)
	return info, err
}

func (c *Client) GetCurrentVersion(ctx context.Context, id delta.ID) (delta.Version, error) {
	var vr httpserver.VersionResponse
	if err := c.getJSON(ctx, datasetPath(id)+"/version", &vr); err != nil {
		return 0, err
	}
	return vr.Version, nil
}

// Append sends p with ?expected=n. delta.VersionAny is sent as is and
// disables the check on the server.
func (c *Client) Append(ctx context.Context, id delta.ID, p *patch.Patch, expected delta.Version) (delta.Version, error) {
	data, err := patch.EncodeBytes(p)
	if err != nil {
		return 0, err
	}
	path := datasetPath(id) + "/patches?expected=" + strconv.FormatInt(int64(expected), 10)
	resp, err := c.do(ctx, http.MethodPost, path, data, patch.ContentType)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var vr httpserver.VersionResponse
	if err := decodeJSON(ctx, resp, &vr); err != nil {
		return 0, err
	}
	return vr.Version, nil
}

func (c *Client) FetchVersion(ctx context.Context, id delta.ID, v delta.Version) (*patch.Patch, error) {
	return c.fetch(ctx, datasetPath(id)+"/patches/"+strconv.FormatInt(int64(v), 10))
}

func (c *Client) FetchID(ctx context.Context, id delta.ID, patchID delta.ID) (*patch.Patch, error) {
	return c.fetch(ctx, datasetPath(id)+"/patches/"+url.PathEscape(patchID.String()))
}

func (c *Client) fetch(ctx context.Context, path string) (*patch.Patch, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	p, err := patch.Decode(resp.Body)
	if err != nil {
		if errors.Is(err, patch.ErrMalformedPatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: read patch: %v", delta.ErrLinkUnavailable, err)
	}
	return p, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
