package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilgate/veilgate/pkg/audit"
	"github.com/veilgate/veilgate/pkg/domain"
	"github.com/veilgate/veilgate/pkg/telemetry"
)

func newTestAdmin(t *testing.T) (*AdminHandler, *Gateway, *audit.MemoryStore) {
	t.Helper()
	store := audit.NewMemoryStore()
	metrics := telemetry.NewMetrics()
	gw, err := New(testSnapshot(), staticInvoker(domain.Usage{TotalTokens: 1}, nil), store, metrics, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return NewAdminHandler(gw, store, metrics, nil), gw, store
}

func TestAdmin_KillSwitchToggle(t *testing.T) {
	admin, gw, _ := newTestAdmin(t)
	mux := admin.Routes()

	body := `{"active": true, "reason": "incident-7", "actor": "oncall"}`
	req := httptest.NewRequest(http.MethodPost, "/admin/killswitch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp killSwitchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Changed)
	assert.True(t, resp.State.Active)
	assert.Equal(t, "incident-7", resp.State.Reason)
	assert.True(t, gw.KillSwitchState().Active)

	// Second activation is a no-op.
	req = httptest.NewRequest(http.MethodPost, "/admin/killswitch", strings.NewReader(body))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Changed)

	// Deactivate.
	req = httptest.NewRequest(http.MethodPost, "/admin/killswitch", strings.NewReader(`{"active": false, "actor": "oncall"}`))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Changed)
	assert.False(t, gw.KillSwitchState().Active)
}

func TestAdmin_KillSwitchRequiresReason(t *testing.T) {
	admin, _, _ := newTestAdmin(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/killswitch", strings.NewReader(`{"active": true}`))
	rec := httptest.NewRecorder()
	admin.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_AuditQueryFilters(t *testing.T) {
	admin, _, store := newTestAdmin(t)

	events := []domain.AuditEvent{
		audit.NewEvent(domain.EventRequestDenied, domain.SeverityWarning, "team-x", "t1", nil),
		audit.NewEvent(domain.EventRequestDenied, domain.SeverityCritical, "team-y", "t2", nil),
		audit.NewEvent(domain.EventRequestCompleted, domain.SeverityInfo, "team-x", "t3", nil),
	}
	for _, e := range events {
		require.NoError(t, store.Append(context.Background(), e))
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/audit?principal_id=team-x&min_severity=warning", nil)
	rec := httptest.NewRecorder()
	admin.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Events []domain.AuditEvent `json:"events"`
		Count  int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "team-x", resp.Events[0].PrincipalID)
	assert.Equal(t, domain.SeverityWarning, resp.Events[0].Severity)
}

func TestAdmin_AuditQueryRejectsBadParams(t *testing.T) {
	admin, _, _ := newTestAdmin(t)

	for _, target := range []string{
		"/admin/audit?since=yesterday",
		"/admin/audit?limit=-3",
		"/admin/audit?limit=abc",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		admin.Routes().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "target %s", target)
	}
}

func TestAdmin_StatsSnapshot(t *testing.T) {
	admin, gw, _ := newTestAdmin(t)

	_, denial := gw.Handle(context.Background(), testEnvelope())
	require.Nil(t, denial)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	rec := httptest.NewRecorder()
	admin.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.False(t, stats.KillSwitch.Active)
	assert.Contains(t, stats.Buckets, "global")
	assert.Contains(t, stats.Ledger, "team-x")
	assert.Contains(t, stats.Breakers, "ep-a")
}

func TestAdmin_HealthAndMetrics(t *testing.T) {
	admin, gw, _ := newTestAdmin(t)
	mux := admin.Routes()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	_, denial := gw.Handle(context.Background(), testEnvelope())
	require.Nil(t, denial)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_requests_total")
}
