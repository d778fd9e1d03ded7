// Package verifier checks receipts offline.
//
// Trust model: the verifier trusts only the cryptographic primitives
// (Ed25519, SHA-256, canonical JSON) and the node's public key. It does not
// trust the issuing server or any caller-supplied canonical text: sig_payload
// is always decoded and re-canonicalized before the signature check.
package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Mindburn-Labs/attestgrid/pkg/canonicalize"
	"github.com/Mindburn-Labs/attestgrid/pkg/crypto"
	"github.com/Mindburn-Labs/attestgrid/pkg/observability"
)

// Failure reasons reported in Result.Reason.
const (
	ReasonMissingFields        = "missing_sig_payload_or_sig"
	ReasonMalformedPayloadText = "malformed_sig_payload_string"
	ReasonMalformedPayload     = "malformed_sig_payload"
	ReasonMalformedReceipt     = "malformed_receipt_json"
	ReasonNodeMismatch         = "node_id_mismatch"
	ReasonInvalidSignature     = "invalid_signature"
	ReasonInternal             = "internal_error"
)

// Result is the outcome of verifying one receipt.
type Result struct {
	Valid       bool   `json:"valid"`
	Reason      string `json:"reason,omitempty"`
	ReceiptHash string `json:"receipt_hash,omitempty"`
}

func invalid(reason string) Result { return Result{Valid: false, Reason: reason} }

// ReceiptHash fingerprints a verified receipt:
// hex(SHA-256(canonicalPayload + "." + signature)).
func ReceiptHash(canonicalPayload, signature string) string {
	return canonicalize.HashBytes([]byte(canonicalPayload + "." + signature))
}

// Verify checks a receipt-shaped document against pubKeyHex. sig_payload may
// be canonical text or an object; the signature may be under "signature" or
// "sig". When expectedNodeID is non-empty the signed payload must name that
// node.
// Verify never panics and never returns an error: every failure is a Result.
func Verify(receipt map[string]any, expectedNodeID, pubKeyHex string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = invalid(fmt.Sprintf("%s: %v", ReasonInternal, r))
		}
	}()

	rawPayload, hasPayload := receipt["sig_payload"]
	sig, hasSig := signatureField(receipt)
	if !hasPayload || rawPayload == nil || !hasSig {
		return invalid(ReasonMissingFields)
	}

	var payload map[string]any
	switch p := rawPayload.(type) {
	case string:
		obj, err := canonicalize.DecodeObject(p)
		if err != nil {
			return invalid(ReasonMalformedPayloadText)
		}
		payload = obj
	case map[string]any:
		payload = p
	default:
		return invalid(ReasonMalformedPayload)
	}

	if expectedNodeID != "" && !nodeMatches(receipt, payload, expectedNodeID) {
		return invalid(ReasonNodeMismatch)
	}

	canonical, err := canonicalize.JCSString(payload)
	if err != nil {
		return invalid(ReasonMalformedPayload)
	}
	if !crypto.Verify(sig, []byte(canonical), pubKeyHex) {
		return invalid(ReasonInvalidSignature)
	}
	return Result{Valid: true, ReceiptHash: ReceiptHash(canonical, sig)}
}

// VerifyJSON is Verify over raw receipt JSON. Numbers keep their exact
// value, so object-form payloads with large integers verify as issued.
func VerifyJSON(data []byte, expectedNodeID, pubKeyHex string) Result {
	receipt, err := canonicalize.DecodeObject(string(data))
	if err != nil {
		return invalid(ReasonMalformedReceipt)
	}
	return Verify(receipt, expectedNodeID, pubKeyHex)
}

func signatureField(receipt map[string]any) (string, bool) {
	for _, key := range []string{"signature", "sig"} {
		if s, ok := receipt[key].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// nodeMatches checks the signed node_id. A top-level node_id, which is not
// covered by the signature, must agree with it when present.
func nodeMatches(receipt, payload map[string]any, expected string) bool {
	signed, _ := payload["node_id"].(string)
	if signed != expected {
		return false
	}
	top, present := receipt["node_id"]
	return !present || top == signed
}

// Service is the node-side verifier. It counts verifications for the stats
// surface and defaults to the node's own public key.
type Service struct {
	defaultPubKey string
	obs           *observability.Provider
	total         atomic.Int64
	logger        *slog.Logger
}

func NewService(defaultPubKey string, obs *observability.Provider) *Service {
	if obs == nil {
		obs = &observability.Provider{}
	}
	return &Service{
		defaultPubKey: defaultPubKey,
		obs:           obs,
		logger:        slog.Default().With("component", "verifier"),
	}
}

// Verify runs Verify, using the default public key when pubKeyHex is empty.
func (s *Service) Verify(ctx context.Context, receipt map[string]any, expectedNodeID, pubKeyHex string) Result {
	if pubKeyHex == "" {
		pubKeyHex = s.defaultPubKey
	}
	res := Verify(receipt, expectedNodeID, pubKeyHex)
	s.total.Add(1)
	s.obs.RecordVerify(ctx, res.Valid)
	if !res.Valid {
		s.logger.DebugContext(ctx, "receipt rejected", "reason", res.Reason)
	}
	return res
}

// VerifyJSON is Service.Verify over raw receipt JSON. Malformed documents
// still count as a verification.
func (s *Service) VerifyJSON(ctx context.Context, data []byte, expectedNodeID, pubKeyHex string) Result {
	receipt, err := canonicalize.DecodeObject(string(data))
	if err != nil {
		s.total.Add(1)
		s.obs.RecordVerify(ctx, false)
		return invalid(ReasonMalformedReceipt)
	}
	return s.Verify(ctx, receipt, expectedNodeID, pubKeyHex)
}

// Total is the number of verifications served since start.
func (s *Service) Total() int64 { return s.total.Load() }
