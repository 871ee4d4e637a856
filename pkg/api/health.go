package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"

	"github.com/0xmhha/chainstream/pkg/ingest"
)

// Health statuses reported by /health
const (
	StatusServing    = "serving"
	StatusNotServing = "not_serving"
)

// HealthSource reports ingestion health. *ingest.Loop satisfies it.
type HealthSource interface {
	Status() ingest.Status
	Healthy() bool
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status              string `json:"status"`
	State               string `json:"state,omitempty"`
	LastError           string `json:"last_error,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
	Timestamp           string `json:"timestamp"`
	Uptime              string `json:"uptime"`
}

// HealthChecker derives serving status from the ingestion loop. It backs both
// the HTTP endpoint and grpc.health.v1.
type HealthChecker struct {
	source    HealthSource
	startTime time.Time
	now       func() time.Time
}

// NewHealthChecker creates a health checker. A nil source is always serving.
func NewHealthChecker(source HealthSource) *HealthChecker {
	return &HealthChecker{
		source:    source,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Serving reports whether ingestion is healthy
func (hc *HealthChecker) Serving() bool {
	return hc.source == nil || hc.source.Healthy()
}

// Report builds the current health response
func (hc *HealthChecker) Report() HealthResponse {
	now := hc.now()
	resp := HealthResponse{
		Status:    StatusServing,
		Timestamp: now.UTC().Format(time.RFC3339),
		Uptime:    now.Sub(hc.startTime).Truncate(time.Second).String(),
	}
	if hc.source == nil {
		return resp
	}

	st := hc.source.Status()
	resp.State = st.State.String()
	resp.LastError = st.LastError
	resp.ConsecutiveFailures = st.ConsecutiveFailures
	if !hc.source.Healthy() {
		resp.Status = StatusNotServing
	}
	return resp
}

// Handler serves /health: 200 while serving, 503 otherwise
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := hc.Report()

		code := http.StatusOK
		if resp.Status != StatusServing {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// Check implements grpchealth.Checker. The empty service name refers to the
// whole server.
func (hc *HealthChecker) Check(_ context.Context, req *grpchealth.CheckRequest) (*grpchealth.CheckResponse, error) {
	switch req.Service {
	case "", grpchealth.HealthV1ServiceName:
	default:
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("unknown service %q", req.Service))
	}

	status := grpchealth.StatusNotServing
	if hc.Serving() {
		status = grpchealth.StatusServing
	}
	return &grpchealth.CheckResponse{Status: status}, nil
}
