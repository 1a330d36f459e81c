package srvreg

import (
	"net/http"
	"testing"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchPath(t *testing.T) {
	assert.True(t, matchPath("/batch/:id/submit", "/batch/42/submit"))
	assert.True(t, matchPath("/batch/:id/submit", "/batch/BATCH-001/submit"))
	assert.True(t, matchPath("/batch/:code", "/batch/BATCH-001"))

	assert.False(t, matchPath("/batch/:id/submit", "/batch/42/approve"))
	assert.False(t, matchPath("/batch/:id/submit", "/batch/42"))
	assert.False(t, matchPath("/batch/:id", "/batch/42/submit"))
}

func TestPathPart(t *testing.T) {
	assert.Equal(t, "42", pathPart("/batch/42/submit", 2))
	assert.Equal(t, "submit", pathPart("/batch/42/submit", 3))
	assert.Equal(t, "", pathPart("/batch/42", 5))
}

func TestRouteResolution(t *testing.T) {
	sr := NewServiceRegistry(nil, nil, nil, cmtlog.NewNopLogger())
	sr.RegisterDefaultServices()

	cases := []struct {
		method, path string
		found        bool
	}{
		{"POST", "/batch", true},
		{"POST", "/batch/1/submit", true},
		{"POST", "/batch/1/approve", true},
		{"POST", "/batch/1/reject", true},
		{"POST", "/batch/1/status", true},
		{"POST", "/batch/1/recall", true},
		{"POST", "/verify", true},
		{"GET", "/batch/BATCH-001", true},
		{"GET", "/batch/BATCH-001/history", true},
		{"GET", "/organizations", true},
		{"GET", "/batch/1/submit", false},
		{"POST", "/batch/1/destroy", false},
		{"DELETE", "/batch", false},
	}
	for _, tc := range cases {
		_, found := sr.GetHandlerForPath(tc.method, tc.path)
		assert.Equal(t, tc.found, found, "%s %s", tc.method, tc.path)
	}
}

func TestUnroutedRequestIs404(t *testing.T) {
	sr := NewServiceRegistry(nil, nil, nil, cmtlog.NewNopLogger())
	sr.RegisterDefaultServices()

	req := &Request{Method: "POST", Path: "/nope", Body: "{}"}
	resp, err := req.GenerateResponse(sr)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGenerateRequestIDIsDeterministic(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	a := &Request{Method: "POST", Path: "/batch", Body: `{"code":"BATCH-001"}`, Timestamp: ts}
	b := &Request{Method: "POST", Path: "/batch", Body: `{"code":"BATCH-001"}`, Timestamp: ts}
	a.GenerateRequestID()
	b.GenerateRequestID()

	require.Len(t, a.RequestID, 32)
	assert.Equal(t, a.RequestID, b.RequestID)

	c := &Request{Method: "POST", Path: "/batch", Body: `{"code":"BATCH-002"}`, Timestamp: ts}
	c.GenerateRequestID()
	assert.NotEqual(t, a.RequestID, c.RequestID)
}

func TestCompactJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, compactJSON("{\n  \"a\": 1\n}"))
	assert.Equal(t, "not json", compactJSON("  not json  "))
}
