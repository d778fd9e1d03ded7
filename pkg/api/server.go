package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Mindburn-Labs/attestgrid/pkg/attestation"
	"github.com/Mindburn-Labs/attestgrid/pkg/canonicalize"
	"github.com/Mindburn-Labs/attestgrid/pkg/contracts"
	"github.com/Mindburn-Labs/attestgrid/pkg/receipts"
	"github.com/Mindburn-Labs/attestgrid/pkg/store"
	"github.com/Mindburn-Labs/attestgrid/pkg/verifier"
)

const maxBodyBytes = 1 << 20

// Server exposes one node's engine and verifier over HTTP.
type Server struct {
	engine      *attestation.Engine
	verifier    *verifier.Service
	work        attestation.Executor
	sampleLimit int
	attestGuard func(http.Handler) http.Handler
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAttestGuard wraps POST /v1/attest, typically with auth middleware.
func WithAttestGuard(mw func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.attestGuard = mw }
}

// WithExecutor sets the work run for POST /v1/attest. Defaults to identity.
func WithExecutor(work attestation.Executor) ServerOption {
	return func(s *Server) { s.work = work }
}

// WithSampleLimit bounds how many failing receipts feed top_reasons.
func WithSampleLimit(n int) ServerOption {
	return func(s *Server) { s.sampleLimit = n }
}

func NewServer(engine *attestation.Engine, v *verifier.Service, opts ...ServerOption) *Server {
	s := &Server{
		engine:      engine,
		verifier:    v,
		work:        attestation.Identity,
		sampleLimit: store.DefaultSampleLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the node's routes.
func (s *Server) Handler() http.Handler {
	attest := http.Handler(http.HandlerFunc(s.handleAttest))
	if s.attestGuard != nil {
		attest = s.attestGuard(attest)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/node/public-key", s.handlePublicKey)
	mux.Handle("POST /v1/attest", attest)
	mux.HandleFunc("GET /v1/receipts/{task_id}", s.handleReceipt)
	mux.HandleFunc("POST /v1/verify", s.handleVerify)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok", "node_id": s.engine.NodeID()})
}

func (s *Server) handlePublicKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"public_key_hex": s.engine.PublicKey()})
}

// AttestRequest is the body of POST /v1/attest.
type AttestRequest struct {
	TaskID string          `json:"task_id"`
	Input  json.RawMessage `json:"input,omitempty"`
	Rules  json.RawMessage `json:"rules,omitempty"`
}

func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req AttestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TaskID == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "task_id is required")
		return
	}
	input, err := optionalObject(req.Input)
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "input: "+err.Error())
		return
	}
	rules, err := optionalObject(req.Rules)
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "rules: "+err.Error())
		return
	}

	receipt, err := s.engine.Attest(r.Context(), req.TaskID, input, rules, s.work)
	switch {
	case err == nil:
		writeJSON(w, receipt)
	case errors.Is(err, receipts.ErrInvalidRules),
		errors.Is(err, attestation.ErrEmptyTaskID),
		errors.Is(err, canonicalize.ErrUnserializableValue):
		WriteErrorR(w, r, http.StatusBadRequest, err.Error())
	default:
		WriteInternal(w, r, err)
	}
}

// optionalObject decodes an absent, null or object JSON value.
func optionalObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	v, err := canonicalize.Decode(string(raw))
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return t, nil
	default:
		return nil, fmt.Errorf("expected object, got %T", v)
	}
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	receipt, err := s.engine.Receipt(r.Context(), taskID)
	switch {
	case err == nil:
		writeJSON(w, receipt)
	case errors.Is(err, store.ErrReceiptNotFound):
		WriteErrorR(w, r, http.StatusNotFound, fmt.Sprintf("no receipt for task %q", taskID))
	default:
		WriteInternal(w, r, err)
	}
}

// VerifyRequest is the body of POST /v1/verify.
type VerifyRequest struct {
	Receipt        json.RawMessage `json:"receipt"`
	ExpectedNodeID string          `json:"expected_node_id,omitempty"`
	PublicKeyHex   string          `json:"public_key_hex,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	writeJSON(w, s.verifier.VerifyJSON(r.Context(), req.Receipt, req.ExpectedNodeID, req.PublicKeyHex))
}

// StatsResponse is the public transparency surface.
type StatsResponse struct {
	ReceiptsTotal   int64                   `json:"receipts_total"`
	VerifyTotal     int64                   `json:"verify_total"`
	PassedTrue      int64                   `json:"passed_true"`
	PassedFalse     int64                   `json:"passed_false"`
	PassedFalseRate float64                 `json:"passed_false_rate"`
	TopReasons      []contracts.ReasonCount `json:"top_reasons"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	agg, err := s.engine.Stats(r.Context(), s.sampleLimit)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	resp := StatsResponse{
		ReceiptsTotal: agg.Total,
		VerifyTotal:   s.verifier.Total(),
		PassedTrue:    agg.PassedTrue,
		PassedFalse:   agg.PassedFalse,
		TopReasons:    agg.TopReasons,
	}
	if resp.TopReasons == nil {
		resp.TopReasons = []contracts.ReasonCount{}
	}
	if agg.Total > 0 {
		resp.PassedFalseRate = float64(agg.PassedFalse) / float64(agg.Total)
	}
	writeJSON(w, resp)
}
