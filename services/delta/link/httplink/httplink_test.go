// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package httplink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/httpserver"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	"github.com/AleutianAI/AleutianDelta/services/delta/server"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/memstore"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/storetest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func startServer(t *testing.T) (*server.LocalServer, *httptest.Server) {
	t.Helper()
	reg, err := store.NewRegistry(memstore.New())
	require.NoError(t, err)
	srv, err := server.NewLocalServer(context.Background(), reg, server.Options{})
	require.NoError(t, err)
	ts := httptest.NewServer(httpserver.NewRouter(httpserver.NewHandlers(srv, httpserver.Options{}), nil))
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		reg.Close()
	})
	return srv, ts
}

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: baseURL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Config{BaseURL: "localhost"})
	assert.Error(t, err)
}

// TestAppendOneQuad appends a single-quad patch at version 0 over HTTP and
// fetches it back.
func TestAppendOneQuad(t *testing.T) {
	ctx := context.Background()
	_, ts := startServer(t)
	c := newClient(t, ts.URL)

	id, err := c.NewDataSource(ctx, "ABC", "http://example/ABC")
	require.NoError(t, err)

	q := patch.Triple(patch.IRI("http://example/s"), patch.IRI("http://example/p"), patch.Literal("o"))
	b := patch.NewBuilder()
	b.Begin()
	b.Add(q)
	b.Commit()
	p := b.Patch()

	v, err := c.Append(ctx, id, p, 0)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(1), v)

	cur, err := c.GetCurrentVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, delta.Version(1), cur)

	got, err := c.FetchVersion(ctx, id, 1)
	require.NoError(t, err)
	var data []patch.Operation
	for _, op := range got.Ops {
		if op.Kind.IsData() {
			data = append(data, op)
		}
	}
	assert.Equal(t, []patch.Operation{patch.AddOp(q)}, data)

	got, err = c.FetchID(ctx, id, p.ID())
	require.NoError(t, err)
	assert.Equal(t, p.Ops, got.Ops)

	info, err := c.GetPatchLogInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, delta.PatchLogInfo{DataSource: id, MinVersion: 1, MaxVersion: 1, LatestPatch: p.ID()}, info)
}

func TestDescriptions(t *testing.T) {
	ctx := context.Background()
	_, ts := startServer(t)
	c := newClient(t, ts.URL)

	id, err := c.NewDataSource(ctx, "ABC", "http://example/ABC")
	require.NoError(t, err)

	dsd, err := c.GetDataSourceDescription(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, dsd)
	assert.Equal(t, "ABC", dsd.Name)
	assert.Equal(t, "http://example/ABC", dsd.URI)

	dsd, err = c.GetDataSourceDescriptionByName(ctx, "ABC")
	require.NoError(t, err)
	require.NotNil(t, dsd)
	assert.Equal(t, id, dsd.ID)

	dsd, err = c.GetDataSourceDescription(ctx, delta.NewID())
	assert.NoError(t, err)
	assert.Nil(t, dsd)

	ids, err := c.ListDatasets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []delta.ID{id}, ids)

	_, err = c.NewDataSource(ctx, "ABC", "")
	assert.ErrorIs(t, err, delta.ErrExists)

	require.NoError(t, c.RemoveDataSource(ctx, id))
	_, err = c.GetCurrentVersion(ctx, id)
	assert.ErrorIs(t, err, delta.ErrNotFound)
	assert.ErrorIs(t, c.RemoveDataSource(ctx, id), delta.ErrNotFound)
}

func TestErrorsKeepTheirKind(t *testing.T) {
	ctx := context.Background()
	srv, ts := startServer(t)
	c := newClient(t, ts.URL)

	id, err := c.NewDataSource(ctx, "ABC", "")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := c.Append(ctx, id, storetest.NewPatch(delta.NilID, 1), delta.VersionAny)
		require.NoError(t, err)
	}

	_, err = c.Append(ctx, id, storetest.NewPatch(delta.NilID, 1), 1)
	assert.ErrorIs(t, err, delta.ErrConflict)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusConflict, remote.Status)
	assert.Equal(t, httpserver.CodeConflict, remote.Code)

	noID := patch.New(patch.BeginOp(), patch.CommitOp())
	_, err = c.Append(ctx, id, noID, delta.VersionAny)
	assert.ErrorIs(t, err, patch.ErrMalformedPatch)

	ds, err := srv.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, ds.Log().Truncate(ctx, 3))
	_, err = c.FetchVersion(ctx, id, 1)
	assert.ErrorIs(t, err, delta.ErrNotRetained)

	_, err = c.FetchVersion(ctx, id, 7)
	assert.ErrorIs(t, err, delta.ErrNotFound)
}

func TestLinkUnavailable(t *testing.T) {
	ctx := context.Background()

	t.Run("server gone", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()
		c := newClient(t, url)
		_, err := c.GetCurrentVersion(ctx, delta.NewID())
		assert.ErrorIs(t, err, delta.ErrLinkUnavailable)
	})

	t.Run("service unavailable", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer ts.Close()
		c := newClient(t, ts.URL)
		_, err := c.ListDatasets(ctx)
		assert.ErrorIs(t, err, delta.ErrLinkUnavailable)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer ts.Close()
		defer close(release)

		c, err := New(Config{BaseURL: ts.URL, Timeout: 50 * time.Millisecond})
		require.NoError(t, err)
		_, err = c.GetCurrentVersion(ctx, delta.NewID())
		assert.ErrorIs(t, err, delta.ErrLinkUnavailable)
	})

	t.Run("connection lost mid-body", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			conn, buf, err := w.(http.Hijacker).Hijack()
			if err != nil {
				return
			}
			defer conn.Close()
			buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 64\r\n\r\n{\"version\":")
			buf.Flush()
		}))
		defer ts.Close()
		c := newClient(t, ts.URL)

		_, err := c.GetCurrentVersion(ctx, delta.NewID())
		assert.ErrorIs(t, err, delta.ErrLinkUnavailable)

		_, err = c.NewDataSource(ctx, "ABC", "")
		assert.ErrorIs(t, err, delta.ErrLinkUnavailable)

		b := patch.NewBuilder()
		b.Begin()
		b.Commit()
		_, err = c.Append(ctx, delta.NewID(), b.Patch(), delta.VersionAny)
		assert.ErrorIs(t, err, delta.ErrLinkUnavailable)
	})

	t.Run("bad json is not unavailability", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{not json"))
		}))
		defer ts.Close()
		c := newClient(t, ts.URL)
		_, err := c.GetCurrentVersion(ctx, delta.NewID())
		require.Error(t, err)
		assert.NotErrorIs(t, err, delta.ErrLinkUnavailable)
	})

	t.Run("caller cancel is not unavailability", func(t *testing.T) {
		_, ts := startServer(t)
		c := newClient(t, ts.URL)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.ListDatasets(cctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, delta.ErrLinkUnavailable)
	})
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, ts := startServer(t)
	c := newClient(t, ts.URL)

	id, err := c.NewDataSource(ctx, "ABC", "")
	require.NoError(t, err)

	versions, err := c.Watch(ctx, id)
	require.NoError(t, err)

	_, err = c.Append(ctx, id, storetest.NewPatch(delta.NilID, 1), 0)
	require.NoError(t, err)

	select {
	case v := <-versions:
		assert.Equal(t, delta.Version(1), v)
	case <-time.After(5 * time.Second):
		t.Fatal("no version received")
	}

	cancel()
	for range versions {
	}

	_, err = c.Watch(context.Background(), delta.NewID())
	assert.ErrorIs(t, err, delta.ErrNotFound)
}
