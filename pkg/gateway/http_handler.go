package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/veilgate/veilgate/pkg/domain"
)

// maxIngressBodyBytes bounds the ingress request body.
const maxIngressBodyBytes = 4 << 20

// ingressRequest is the data-plane wire request.
type ingressRequest struct {
	PrincipalID         string           `json:"principal_id"`
	Tier                string           `json:"tier"`
	RequestedModel      string           `json:"requested_model"`
	Messages            []domain.Message `json:"messages"`
	EstimatedCostTokens float64          `json:"estimated_cost_tokens"`
	TraceID             string           `json:"trace_id"`
	DeadlineMs          int64            `json:"deadline_ms"`
}

// ingressResponse is the data-plane success body.
type ingressResponse struct {
	Usage      domain.Usage `json:"usage"`
	CostUSD    float64      `json:"cost_usd"`
	EndpointID string       `json:"endpoint_id"`
	TraceID    string       `json:"trace_id"`
}

// Handler serves the data-plane HTTP surface.
type Handler struct {
	gateway *Gateway
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates the data-plane handler.
func NewHandler(gw *Gateway, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{gateway: gw, logger: logger, now: time.Now}
}

// Routes returns the data-plane mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", h.handleCompletions)
	return mux
}

func (h *Handler) handleCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ingressRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngressBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		writeDenial(w, domain.ErrorResponse{
			Error:   domain.KindInvalidRequest,
			TraceID: req.TraceID,
		})
		return
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	env := domain.RequestEnvelope{
		PrincipalID:         req.PrincipalID,
		RequestedModel:      req.RequestedModel,
		Messages:            req.Messages,
		EstimatedCostTokens: req.EstimatedCostTokens,
		TraceID:             traceID,
		Tier:                domain.Tier(req.Tier),
	}
	if req.DeadlineMs > 0 {
		env.Deadline = h.now().Add(time.Duration(req.DeadlineMs) * time.Millisecond)
	}

	outcome, denial := h.gateway.Handle(r.Context(), env)
	if denial != nil {
		resp := domain.ErrorResponse{
			Error:   denial.Kind,
			TraceID: traceID,
		}
		if denial.RetryAfter > 0 {
			resp.RetryAfterMs = denial.RetryAfter.Milliseconds()
			w.Header().Set("Retry-After", strconv.FormatInt(int64(denial.RetryAfter.Seconds())+1, 10))
		}
		writeDenial(w, resp)
		return
	}

	writeJSON(w, http.StatusOK, ingressResponse{
		Usage:      outcome.Usage,
		CostUSD:    outcome.CostUSD,
		EndpointID: outcome.EndpointID,
		TraceID:    traceID,
	})
}

func writeDenial(w http.ResponseWriter, resp domain.ErrorResponse) {
	writeJSON(w, resp.Error.HTTPStatus(), resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
