// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/observability"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	"github.com/AleutianAI/AleutianDelta/services/delta/patchlog"
	"github.com/AleutianAI/AleutianDelta/services/delta/server"
	"github.com/AleutianAI/AleutianDelta/services/delta/store"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/memstore"
	"github.com/AleutianAI/AleutianDelta/services/delta/store/storetest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	srv    *server.LocalServer
	router *gin.Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()
	reg, err := store.NewRegistry(memstore.New())
	require.NoError(t, err)
	srv, err := server.NewLocalServer(context.Background(), reg, server.Options{})
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Close()
		reg.Close()
	})

	promReg := prometheus.NewRegistry()
	h := NewHandlers(srv, Options{Metrics: observability.NewMetrics(promReg)})
	return &fixture{srv: srv, router: NewRouter(h, promReg)}
}

func (f *fixture) do(method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) create(t *testing.T, name string) delta.DataSourceDescription {
	t.Helper()
	w := f.do(http.MethodPost, BasePath+"/datasets", []byte(`{"name":"`+name+`","uri":"http://example/`+name+`"}`), "application/json")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var dsd delta.DataSourceDescription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dsd))
	return dsd
}

func (f *fixture) append(t *testing.T, dsd delta.DataSourceDescription, p *patch.Patch, query string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := patch.EncodeBytes(p)
	require.NoError(t, err)
	return f.do(http.MethodPost, BasePath+"/datasets/"+dsd.ID.String()+"/patches"+query, data, patch.ContentType)
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Code
}

func TestHealth(t *testing.T) {
	f := setup(t)
	f.create(t, "ABC")

	w := f.do(http.MethodGet, BasePath+"/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
	assert.Equal(t, 1, resp.DataSources)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDEchoed(t *testing.T) {
	f := setup(t)
	req := httptest.NewRequest(http.MethodGet, BasePath+"/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestDatasetLifecycle(t *testing.T) {
	f := setup(t)
	dsd := f.create(t, "ABC")
	assert.Equal(t, "ABC", dsd.Name)

	w := f.do(http.MethodPost, BasePath+"/datasets", []byte(`{"name":"ABC"}`), "application/json")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeExists, errorCode(t, w))

	w = f.do(http.MethodPost, BasePath+"/datasets", []byte(`{"uri":"x"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, errorCode(t, w))

	w = f.do(http.MethodPost, BasePath+"/datasets", []byte(`{"name":"a/b"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidName, errorCode(t, w))

	w = f.do(http.MethodGet, BasePath+"/datasets", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []delta.DataSourceDescription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, []delta.DataSourceDescription{dsd}, list)

	w = f.do(http.MethodGet, BasePath+"/datasets/"+dsd.ID.String(), nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, BasePath+"/datasets/by-name/ABC", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var byName delta.DataSourceDescription
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &byName))
	assert.Equal(t, dsd, byName)

	w = f.do(http.MethodDelete, BasePath+"/datasets/"+dsd.ID.String(), nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodGet, BasePath+"/datasets/"+dsd.ID.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, errorCode(t, w))

	w = f.do(http.MethodGet, BasePath+"/datasets/not-an-id", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAppendAndFetch(t *testing.T) {
	f := setup(t)
	dsd := f.create(t, "ABC")

	p := storetest.NewPatch(delta.NilID, 1)
	w := f.append(t, dsd, p, "?expected=0")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var vr VersionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vr))
	assert.Equal(t, delta.Version(1), vr.Version)

	w = f.do(http.MethodGet, BasePath+"/datasets/"+dsd.ID.String()+"/patches/1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, patch.ContentType, w.Header().Get("Content-Type"))
	got, err := patch.DecodeBytes(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, p.Ops, got.Ops)

	w = f.do(http.MethodGet, BasePath+"/datasets/"+dsd.ID.String()+"/patches/"+p.ID().String(), nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, BasePath+"/datasets/"+dsd.ID.String()+"/version", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vr))
	assert.Equal(t, delta.Version(1), vr.Version)

	w = f.do(http.MethodGet, BasePath+"/datasets/"+dsd.ID.String()+"/info", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var info delta.PatchLogInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, delta.Version(1), info.MaxVersion)
	assert.Equal(t, p.ID(), info.LatestPatch)
}

// TestRacingWriters sends two appends against the same expected version:
// exactly one wins.
func TestRacingWriters(t *testing.T) {
	f := setup(t)
	dsd := f.create(t, "ABC")

	w := f.append(t, dsd, storetest.NewPatch(delta.NilID, 1), "?expected=0")
	require.Equal(t, http.StatusOK, w.Code)

	w = f.append(t, dsd, storetest.NewPatch(delta.NilID, 1), "?expected=0")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeConflict, errorCode(t, w))

	// without expected the server appends after the head
	w = f.append(t, dsd, storetest.NewPatch(delta.NilID, 1), "")
	require.Equal(t, http.StatusOK, w.Code)
	var vr VersionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &vr))
	assert.Equal(t, delta.Version(2), vr.Version)
}

func TestAppendErrors(t *testing.T) {
	f := setup(t)
	dsd := f.create(t, "ABC")
	path := BasePath + "/datasets/" + dsd.ID.String() + "/patches"

	w := f.do(http.MethodPost, path, []byte("A <http://s> .\n"), patch.ContentType)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeMalformedPatch, errorCode(t, w))

	// well formed text, but data outside a transaction
	w = f.do(http.MethodPost, path, []byte("A <http://s> <http://p> \"o\" .\n"), patch.ContentType)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeMalformedPatch, errorCode(t, w))

	w = f.do(http.MethodPost, path+"?expected=abc", nil, patch.ContentType)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeInvalidRequest, errorCode(t, w))

	w = f.do(http.MethodPost, BasePath+"/datasets/"+delta.NewID().String()+"/patches", nil, patch.ContentType)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFetchErrors(t *testing.T) {
	f := setup(t)
	dsd := f.create(t, "ABC")
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, f.append(t, dsd, storetest.NewPatch(delta.NilID, 1), "").Code)
	}
	ds, err := f.srv.Get(context.Background(), dsd.ID)
	require.NoError(t, err)
	require.NoError(t, ds.Log().Truncate(context.Background(), 3))

	base := BasePath + "/datasets/" + dsd.ID.String() + "/patches/"
	w := f.do(http.MethodGet, base+"1", nil, "")
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, CodeNotRetained, errorCode(t, w))

	w = f.do(http.MethodGet, base+"9", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, base+delta.NewID().String(), nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, base+"latest", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := setup(t)
	f.create(t, "ABC")

	w := f.do(http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "aleutian_delta_http_requests_total")
	assert.Contains(t, body, `route="/v1/delta/datasets"`)
}

func TestEvents(t *testing.T) {
	f := setup(t)
	dsd := f.create(t, "ABC")

	ts := httptest.NewServer(f.router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + BasePath + "/datasets/" + dsd.ID.String() + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ds, err := f.srv.Get(context.Background(), dsd.ID)
	require.NoError(t, err)
	p := storetest.NewPatch(delta.NilID, 1)
	_, err = ds.Log().Append(context.Background(), p)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev patchlog.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, delta.Version(1), ev.Version)
	assert.Equal(t, p.ID(), ev.Patch)

	require.NoError(t, f.srv.Remove(context.Background(), dsd.ID))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
