package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/veilgate/veilgate/pkg/audit"
	"github.com/veilgate/veilgate/pkg/domain"
	"github.com/veilgate/veilgate/pkg/telemetry"
)

// defaultAuditQueryLimit bounds the admin audit read when no limit is given.
const defaultAuditQueryLimit = 100

// AdminHandler serves the operational control surface: kill switch, audit
// queries, stats, health and metrics. It binds to a separate listener so the
// data plane and control plane never share a port.
type AdminHandler struct {
	gateway *Gateway
	auditor audit.Store
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewAdminHandler creates the control-plane handler.
func NewAdminHandler(gw *Gateway, auditor audit.Store, metrics *telemetry.Metrics, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{gateway: gw, auditor: auditor, metrics: metrics, logger: logger}
}

// Routes returns the control-plane mux.
func (h *AdminHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/killswitch", h.handleKillSwitch)
	mux.HandleFunc("/admin/audit", h.handleAudit)
	mux.HandleFunc("/admin/stats", h.handleStats)
	mux.HandleFunc("/healthz", h.handleHealth)
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}
	return mux
}

// killSwitchRequest is the control request toggling the global gate.
type killSwitchRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// killSwitchResponse reports the gate state after the call.
type killSwitchResponse struct {
	State   domain.KillSwitchState `json:"state"`
	Changed bool                   `json:"changed"`
}

func (h *AdminHandler) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, killSwitchResponse{State: h.gateway.KillSwitchState()})
	case http.MethodPost:
		var req killSwitchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Active && req.Reason == "" {
			http.Error(w, "reason is required to activate", http.StatusBadRequest)
			return
		}
		changed := h.gateway.SetKillSwitch(req.Active, req.Reason, req.Actor)
		writeJSON(w, http.StatusOK, killSwitchResponse{
			State:   h.gateway.KillSwitchState(),
			Changed: changed,
		})
	default:
		w.Header().Set("Allow", strings.Join([]string{http.MethodGet, http.MethodPost}, ", "))
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *AdminHandler) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query, err := parseAuditQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := h.auditor.Query(r.Context(), query)
	if err != nil {
		h.logger.Error("audit query failed", "error", err)
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func parseAuditQuery(r *http.Request) (audit.Query, error) {
	params := r.URL.Query()
	query := audit.Query{
		PrincipalID: params.Get("principal_id"),
		Limit:       defaultAuditQueryLimit,
	}

	if s := params.Get("min_severity"); s != "" {
		query.MinSeverity = domain.Severity(strings.ToUpper(s))
	}
	if s := params.Get("since"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return audit.Query{}, errInvalidParam("since", err)
		}
		query.Since = ts
	}
	if s := params.Get("until"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return audit.Query{}, errInvalidParam("until", err)
		}
		query.Until = ts
	}
	if s := params.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			return audit.Query{}, errInvalidParam("limit", err)
		}
		query.Limit = limit
	}
	return query, nil
}

type paramError struct {
	name  string
	cause error
}

func (e paramError) Error() string {
	if e.cause != nil {
		return "invalid " + e.name + ": " + e.cause.Error()
	}
	return "invalid " + e.name
}

func errInvalidParam(name string, cause error) error {
	return paramError{name: name, cause: cause}
}

func (h *AdminHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.gateway.Stats())
}

func (h *AdminHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
