// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{fmt.Errorf("append: %w", delta.ErrConflict), OutcomeConflict},
		{&patch.SyntaxError{Line: 1}, OutcomeMalformed},
		{delta.ErrNotFound, OutcomeNotFound},
		{delta.ErrNotRetained, OutcomeNotRetained},
		{delta.ErrLinkUnavailable, OutcomeUnavailable},
		{patch.ErrTxnAbort, OutcomeAborted},
		{fmt.Errorf("sync: %w", delta.ErrDiverged), OutcomeDiverged},
		{fmt.Errorf("disk full"), OutcomeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err))
	}
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordAppend("file", nil, time.Millisecond)
	m.RecordAppend("file", delta.ErrConflict, time.Millisecond)
	m.RecordAppend("file", delta.ErrConflict, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.appendsTotal.WithLabelValues("file", OutcomeOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.appendsTotal.WithLabelValues("file", OutcomeConflict)))

	m.SetLogVersion("TEST", 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.logVersion.WithLabelValues("TEST")))
	m.ForgetLog("TEST")
	assert.Equal(t, 0, testutil.CollectAndCount(m.logVersion))

	m.RecordSync(3, nil)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.patchesApplied))

	m.RecordHTTP("", 404, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("unmatched", "404")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAppend("mem", nil, 0)
		m.RecordFetch(nil)
		m.SetLogVersion("x", 1)
		m.ForgetLog("x")
		m.SetDataSources(1)
		m.RecordSync(1, nil)
		m.RecordHTTP("/", 200, 0)
	})
}
