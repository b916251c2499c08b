package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/fieldcall/internal/callerr"
	"github.com/mikeyg42/fieldcall/internal/config"
	"github.com/mikeyg42/fieldcall/internal/notification"
	"github.com/mikeyg42/fieldcall/internal/recorder/storage"
	"github.com/mikeyg42/fieldcall/internal/rtcManager"
	"github.com/mikeyg42/fieldcall/internal/signaling"
)

type fakeCalls struct {
	calls      map[string]rtcManager.CallDetail
	ended      []string
	recording  map[string]bool
	recordErr  error
	screenshot error
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{
		calls: map[string]rtcManager.CallDetail{
			"call-1": {
				Snapshot: rtcManager.Snapshot{
					CallID:        "call-1",
					Role:          signaling.RoleInvestigator,
					ClaimID:       "CLM-7",
					State:         rtcManager.StateConnected,
					Quality:       &signaling.ConnectionStats{Quality: signaling.QualityGood, BandwidthKbps: 900},
					RemoteQuality: &signaling.ConnectionStats{Quality: signaling.QualityPoor, BandwidthKbps: 60},
				},
				QualityHistory: []rtcManager.QualitySample{
					{At: time.Unix(10, 0), Stats: signaling.ConnectionStats{BandwidthKbps: 800}},
					{At: time.Unix(15, 0), Stats: signaling.ConnectionStats{BandwidthKbps: 900}},
				},
			},
		},
		recording: map[string]bool{},
	}
}

func (f *fakeCalls) List() []rtcManager.Snapshot {
	out := make([]rtcManager.Snapshot, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Snapshot)
	}
	return out
}

func (f *fakeCalls) Describe(id string) (rtcManager.CallDetail, error) {
	c, ok := f.calls[id]
	if !ok {
		return rtcManager.CallDetail{}, fmt.Errorf("%w: %s", rtcManager.ErrUnknownCall, id)
	}
	return c, nil
}

func (f *fakeCalls) End(_ context.Context, id string) error {
	if _, ok := f.calls[id]; !ok {
		return fmt.Errorf("%w: %s", rtcManager.ErrUnknownCall, id)
	}
	f.ended = append(f.ended, id)
	delete(f.calls, id)
	return nil
}

func (f *fakeCalls) SetRecording(_ context.Context, id string, on bool) error {
	if _, ok := f.calls[id]; !ok {
		return fmt.Errorf("%w: %s", rtcManager.ErrUnknownCall, id)
	}
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recording[id] = on
	return nil
}

func (f *fakeCalls) Screenshot(_ context.Context, id string) (string, error) {
	if f.screenshot != nil {
		return "", f.screenshot
	}
	return "https://storage.example.com/shots/" + id + ".jpg", nil
}

type fakeIndex struct {
	recs map[string][]*storage.Recording
	err  error
}

func (f *fakeIndex) SaveRecording(context.Context, *storage.Recording) error { return nil }

func (f *fakeIndex) RecordingsForClaim(_ context.Context, claimID string) ([]*storage.Recording, error) {
	return f.recs[claimID], f.err
}

func newTestServer(t *testing.T, calls *fakeCalls, mutate ...func(*config.APIConfig, *Deps)) http.Handler {
	t.Helper()
	hub := notification.NewHub(10, zaptest.NewLogger(t))
	hub.Notify(notification.Notice{CallID: "call-1", Level: notification.LevelWarning, Message: "Poor connection quality"})
	hub.Notify(notification.Notice{CallID: "call-2", Level: notification.LevelInfo, Message: "other"})

	cfg := config.NewDefaultConfig().API
	cfg.RateLimitPerSec = 0
	deps := Deps{
		Calls:   calls,
		Notices: hub,
		Recordings: &fakeIndex{recs: map[string][]*storage.Recording{
			"CLM-7": {{ID: "r1", CallID: "call-1", ClaimID: "CLM-7", URL: "https://storage.example.com/r1.webm"}},
		}},
		Metrics: promhttp.Handler(),
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	srv := NewServer(cfg, deps, zaptest.NewLogger(t))
	t.Cleanup(srv.limiter.Close)
	return srv.Handler()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestServer(t, newFakeCalls())
	rec := do(h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListAndGetCalls(t *testing.T) {
	h := newTestServer(t, newFakeCalls())

	rec := do(h, http.MethodGet, "/api/calls", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "call-1", list[0]["callId"])
	assert.Equal(t, "connected", list[0]["state"])

	rec = do(h, http.MethodGet, "/api/calls/call-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "CLM-7", detail["claimId"])
	assert.Len(t, detail["qualityHistory"], 2)

	rec = do(h, http.MethodGet, "/api/calls/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEmptyListIsArray(t *testing.T) {
	calls := newFakeCalls()
	calls.calls = map[string]rtcManager.CallDetail{}
	h := newTestServer(t, calls)

	rec := do(h, http.MethodGet, "/api/calls", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestEndCall(t *testing.T) {
	calls := newFakeCalls()
	h := newTestServer(t, calls)

	rec := do(h, http.MethodPost, "/api/calls/call-1/end", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"call-1"}, calls.ended)

	rec = do(h, http.MethodPost, "/api/calls/call-1/end", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodGet, "/api/calls/call-1/end", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSetRecording(t *testing.T) {
	calls := newFakeCalls()
	h := newTestServer(t, calls)

	rec := do(h, http.MethodPost, "/api/calls/call-1/recording", `{"recording":true}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, calls.recording["call-1"])

	for _, body := range []string{"", "{}", "not json", `{"recording":"yes"}`} {
		rec = do(h, http.MethodPost, "/api/calls/call-1/recording", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}

	calls.recordErr = callerr.New(callerr.Recording, "start recording", callerr.ErrNoData)
	rec = do(h, http.MethodPost, "/api/calls/call-1/recording", `{"recording":false}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), callerr.ErrNoData.Error())
}

func TestScreenshot(t *testing.T) {
	calls := newFakeCalls()
	h := newTestServer(t, calls)

	rec := do(h, http.MethodPost, "/api/calls/call-1/screenshot", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"url":"https://storage.example.com/shots/call-1.jpg"}`, rec.Body.String())

	calls.screenshot = callerr.Newf(callerr.Upload, "screenshot", "bucket unreachable")
	rec = do(h, http.MethodPost, "/api/calls/call-1/screenshot", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	calls.screenshot = errors.New("boom")
	rec = do(h, http.MethodPost, "/api/calls/call-1/screenshot", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNoticesFilteredByCall(t *testing.T) {
	h := newTestServer(t, newFakeCalls())

	rec := do(h, http.MethodGet, "/api/calls/call-1/notices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var notices []notification.Notice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &notices))
	require.Len(t, notices, 1)
	assert.Equal(t, notification.LevelWarning, notices[0].Level)

	rec = do(h, http.MethodGet, "/api/calls/call-9/notices", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestQuality(t *testing.T) {
	h := newTestServer(t, newFakeCalls())

	rec := do(h, http.MethodGet, "/api/calls/call-1/quality", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp qualityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "call-1", resp.CallID)
	require.NotNil(t, resp.Current)
	assert.Equal(t, signaling.QualityGood, resp.Current.Quality)
	require.NotNil(t, resp.Remote)
	assert.Equal(t, signaling.QualityPoor, resp.Remote.Quality)
	assert.Len(t, resp.History, 2)

	rec = do(h, http.MethodGet, "/api/calls/nope/quality", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordingsForClaim(t *testing.T) {
	h := newTestServer(t, newFakeCalls())

	rec := do(h, http.MethodGet, "/api/claims/CLM-7/recordings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []storage.Recording
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "r1", recs[0].ID)

	rec = do(h, http.MethodGet, "/api/claims/CLM-0/recordings", "")
	assert.JSONEq(t, `[]`, rec.Body.String())

	failing := newTestServer(t, newFakeCalls(), func(_ *config.APIConfig, d *Deps) {
		d.Recordings = &fakeIndex{err: errors.New("db down")}
	})
	rec = do(failing, http.MethodGet, "/api/claims/CLM-7/recordings", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	disabled := newTestServer(t, newFakeCalls(), func(_ *config.APIConfig, d *Deps) {
		d.Recordings = nil
	})
	rec = do(disabled, http.MethodGet, "/api/claims/CLM-7/recordings", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, newFakeCalls())
	rec := do(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCORS(t *testing.T) {
	h := newTestServer(t, newFakeCalls())

	req := httptest.NewRequest(http.MethodOptions, "/api/calls", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitedRoutes(t *testing.T) {
	h := newTestServer(t, newFakeCalls(), func(c *config.APIConfig, _ *Deps) {
		c.RateLimitPerSec = 0.001
		c.RateLimitBurst = 2
	})

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/calls", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/calls", "").Code)
	rec := do(h, http.MethodGet, "/api/calls", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// health checks are not limited
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/api/health", "").Code)
}
