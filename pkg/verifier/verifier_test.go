package verifier

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/attestgrid/pkg/attestation"
	"github.com/Mindburn-Labs/attestgrid/pkg/canonicalize"
	"github.com/Mindburn-Labs/attestgrid/pkg/crypto"
	"github.com/Mindburn-Labs/attestgrid/pkg/store"
)

// issue attests one task and returns the receipt as a wire document.
func issue(t *testing.T) (map[string]any, string) {
	t.Helper()
	signer, err := crypto.NewEd25519Signer("node-a")
	require.NoError(t, err)
	e := attestation.NewEngine("node-a", "1.0.0", signer, store.NewMemoryReceiptStore())

	r, err := e.Attest(context.Background(), "task-1", map[string]any{"prompt": "test"}, map[string]any{"max_len": 100}, attestation.Identity)
	require.NoError(t, err)

	b, err := json.Marshal(r)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	return doc, signer.PublicKey()
}

func TestVerify_Valid(t *testing.T) {
	doc, pub := issue(t)
	res := Verify(doc, "", pub)
	require.True(t, res.Valid, res.Reason)
	assert.Empty(t, res.Reason)

	want := canonicalize.HashBytes([]byte(doc["sig_payload"].(string) + "." + doc["signature"].(string)))
	assert.Equal(t, want, res.ReceiptHash)
	assert.Len(t, res.ReceiptHash, 64)
}

func TestVerify_PayloadAsObjectAndSigAlias(t *testing.T) {
	doc, pub := issue(t)
	expected := Verify(doc, "", pub)

	obj, err := canonicalize.DecodeObject(doc["sig_payload"].(string))
	require.NoError(t, err)
	alt := map[string]any{
		"sig_payload": obj,
		"sig":         doc["signature"],
	}

	res := Verify(alt, "node-a", pub)
	require.True(t, res.Valid, res.Reason)
	assert.Equal(t, expected.ReceiptHash, res.ReceiptHash)
}

func TestVerify_NonCanonicalTextIsRecanonicalized(t *testing.T) {
	doc, pub := issue(t)
	obj, err := canonicalize.DecodeObject(doc["sig_payload"].(string))
	require.NoError(t, err)

	pretty, err := json.MarshalIndent(obj, "", "  ")
	require.NoError(t, err)
	doc["sig_payload"] = string(pretty)

	assert.True(t, Verify(doc, "", pub).Valid)
}

func TestVerify_Failures(t *testing.T) {
	doc, pub := issue(t)
	_, otherPub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	clone := func(mut func(map[string]any)) map[string]any {
		c := make(map[string]any, len(doc))
		for k, v := range doc {
			c[k] = v
		}
		mut(c)
		return c
	}

	tests := []struct {
		name     string
		receipt  map[string]any
		expected string
		pub      string
		reason   string
	}{
		{"no payload", clone(func(m map[string]any) { delete(m, "sig_payload") }), "", pub, ReasonMissingFields},
		{"null payload", clone(func(m map[string]any) { m["sig_payload"] = nil }), "", pub, ReasonMissingFields},
		{"no signature", clone(func(m map[string]any) { delete(m, "signature") }), "", pub, ReasonMissingFields},
		{"empty signature", clone(func(m map[string]any) { m["signature"] = "" }), "", pub, ReasonMissingFields},
		{"payload text not json", clone(func(m map[string]any) { m["sig_payload"] = "{oops" }), "", pub, ReasonMalformedPayloadText},
		{"payload text not object", clone(func(m map[string]any) { m["sig_payload"] = "[1,2]" }), "", pub, ReasonMalformedPayloadText},
		{"payload wrong type", clone(func(m map[string]any) { m["sig_payload"] = 42.0 }), "", pub, ReasonMalformedPayload},
		{"node mismatch", doc, "node-b", pub, ReasonNodeMismatch},
		{"wrong key", doc, "", otherPub, ReasonInvalidSignature},
		{"garbage key", doc, "", "zz", ReasonInvalidSignature},
		{"tampered input hash", clone(func(m map[string]any) {
			m["sig_payload"] = strings.Replace(m["sig_payload"].(string), m["input_hash"].(string), strings.Repeat("0", 64), 1)
		}), "", pub, ReasonInvalidSignature},
		{"tampered verdict", clone(func(m map[string]any) {
			m["sig_payload"] = strings.Replace(m["sig_payload"].(string), `"passed":true`, `"passed":false`, 1)
		}), "", pub, ReasonInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Verify(tt.receipt, tt.expected, tt.pub)
			assert.False(t, res.Valid)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Empty(t, res.ReceiptHash)
		})
	}
}

func TestVerify_NodeIDFallsBackToPayload(t *testing.T) {
	doc, pub := issue(t)
	delete(doc, "node_id")

	assert.True(t, Verify(doc, "node-a", pub).Valid)
	assert.Equal(t, ReasonNodeMismatch, Verify(doc, "node-b", pub).Reason)
}

func TestVerify_UnsignedNodeIDCannotOverrideSigned(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("node-evil")
	require.NoError(t, err)
	e := attestation.NewEngine("node-evil", "1.0.0", signer, store.NewMemoryReceiptStore())
	r, err := e.Attest(context.Background(), "task-1", nil, nil, attestation.Identity)
	require.NoError(t, err)

	doc := map[string]any{
		"node_id":     "node-trusted",
		"sig_payload": r.SigPayload,
		"signature":   r.Signature,
	}
	res := Verify(doc, "node-trusted", signer.PublicKey())
	assert.False(t, res.Valid)
	assert.Equal(t, ReasonNodeMismatch, res.Reason)

	// The relabelled top-level field also disagrees with the signed one.
	assert.Equal(t, ReasonNodeMismatch, Verify(doc, "node-evil", signer.PublicKey()).Reason)

	doc["node_id"] = "node-evil"
	assert.True(t, Verify(doc, "node-evil", signer.PublicKey()).Valid)
}

func TestVerifyJSON_KeepsLargeIntegers(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("node-a")
	require.NoError(t, err)
	const canonical = `{"n":9007199254740993,"node_id":"node-a"}`
	sig, err := signer.Sign([]byte(canonical))
	require.NoError(t, err)

	doc := []byte(`{"sig_payload":{"node_id":"node-a","n":9007199254740993},"signature":"` + sig + `"}`)
	res := VerifyJSON(doc, "node-a", signer.PublicKey())
	require.True(t, res.Valid, res.Reason)
	assert.Equal(t, ReceiptHash(canonical, sig), res.ReceiptHash)

	svc := NewService(signer.PublicKey(), nil)
	assert.Equal(t, res, svc.VerifyJSON(context.Background(), doc, "node-a", ""))
}

func TestVerify_NeverPanics(t *testing.T) {
	weird := []map[string]any{
		nil,
		{},
		{"sig_payload": map[string]any{"x": make(chan int)}, "signature": "00"},
		{"sig_payload": []any{1}, "sig": 7},
	}
	for _, w := range weird {
		assert.NotPanics(t, func() {
			assert.False(t, Verify(w, "", "").Valid)
		})
	}
}

func TestVerifyJSON(t *testing.T) {
	doc, pub := issue(t)
	b, err := json.Marshal(doc)
	require.NoError(t, err)

	assert.True(t, VerifyJSON(b, "node-a", pub).Valid)
	assert.Equal(t, ReasonMalformedReceipt, VerifyJSON([]byte("not json"), "", pub).Reason)
	assert.Equal(t, ReasonMalformedReceipt, VerifyJSON([]byte("null"), "", pub).Reason)
}

func TestService_CountsAndDefaultsKey(t *testing.T) {
	doc, pub := issue(t)
	svc := NewService(pub, nil)
	ctx := context.Background()

	assert.True(t, svc.Verify(ctx, doc, "", "").Valid, "falls back to the node key")
	assert.False(t, svc.Verify(ctx, doc, "other", "").Valid)
	assert.Equal(t, int64(2), svc.Total())
}

func TestService_VerifyJSONCountsMalformed(t *testing.T) {
	doc, pub := issue(t)
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	svc := NewService(pub, nil)
	ctx := context.Background()

	assert.True(t, svc.VerifyJSON(ctx, b, "node-a", "").Valid)
	assert.Equal(t, ReasonMalformedReceipt, svc.VerifyJSON(ctx, []byte(`[1]`), "", "").Reason)
	assert.Equal(t, int64(2), svc.Total())
}
