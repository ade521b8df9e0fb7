package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBundleJSONContract(t *testing.T) {
	payload := []byte(`{
        "type": "offer",
        "sdp": "v=0\r\no=- 42 2 IN IP4 127.0.0.1\r\n",
        "candidates": [
            {"candidate": "candidate:1 1 udp 2130706431 192.0.2.10 54321 typ host", "sdpMid": "0", "sdpMLineIndex": 0},
            {"candidate": "candidate:2 1 udp 1694498815 198.51.100.7 61000 typ srflx"}
        ]
    }`)

	bundle, err := DecodeBundle(payload)
	if err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if bundle.Type != RoleOffer {
		t.Fatalf("unexpected type: %s", bundle.Type)
	}
	if len(bundle.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(bundle.Candidates))
	}
	first := bundle.Candidates[0]
	if first.SDPMid == nil || *first.SDPMid != "0" {
		t.Fatalf("expected sdpMid 0, got %+v", first.SDPMid)
	}
	if first.SDPMLineIndex == nil || *first.SDPMLineIndex != 0 {
		t.Fatalf("expected sdpMLineIndex 0, got %+v", first.SDPMLineIndex)
	}
	second := bundle.Candidates[1]
	if second.SDPMid != nil {
		t.Fatalf("expected nil sdpMid for second candidate")
	}
}

func TestBundleEmptyCandidatesIsValid(t *testing.T) {
	bundle, err := DecodeBundle([]byte(`{"type":"answer","sdp":"v=0","candidates":[]}`))
	if err != nil {
		t.Fatalf("empty candidate list should be valid: %v", err)
	}
	if len(bundle.Candidates) != 0 {
		t.Fatalf("expected no candidates, got %d", len(bundle.Candidates))
	}
}

func TestBundleRejectsEmptyDescription(t *testing.T) {
	if _, err := DecodeBundle([]byte(`{"type":"offer","sdp":"","candidates":[]}`)); err == nil {
		t.Fatalf("expected error for empty description")
	}
	if _, err := DecodeBundle([]byte(`{"type":"request","sdp":"v=0","candidates":[]}`)); err == nil {
		t.Fatalf("expected error for unknown role")
	}
	if _, err := DecodeBundle([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}

func TestEncodeBundleNormalizesNilCandidates(t *testing.T) {
	data, err := EncodeBundle(Bundle{Type: RoleOffer, SDP: "v=0"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"candidates":[]`) {
		t.Fatalf("expected explicit empty candidate array, got %s", data)
	}
	var round Bundle
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("round trip: %v", err)
	}
}
