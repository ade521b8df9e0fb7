package types

import (
	"encoding/json"
	"fmt"
)

const (
	RoleOffer  = "offer"
	RoleAnswer = "answer"
)

// Candidate is one discovered network path, kept opaque apart from the
// fields needed to replay it into the transport on the remote side.
type Candidate struct {
	Candidate     string  `json:"candidate" yaml:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty" yaml:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty" yaml:"sdp_mline_index,omitempty"`
}

// Bundle is the single blob exchanged out-of-band to negotiate a
// connection: the session description plus every candidate gathered
// before the completion signal or the gathering grace period expired.
type Bundle struct {
	Type       string      `json:"type" yaml:"type"`
	SDP        string      `json:"sdp" yaml:"sdp"`
	Candidates []Candidate `json:"candidates" yaml:"candidates"`
}

// Validate checks structural validity. An empty candidate list is
// legitimate (loopback-only hosts, gathering timeout with no paths);
// an empty description never is.
func (b *Bundle) Validate() error {
	if b.Type != RoleOffer && b.Type != RoleAnswer {
		return fmt.Errorf("bundle type must be %q or %q, got %q", RoleOffer, RoleAnswer, b.Type)
	}
	if b.SDP == "" {
		return fmt.Errorf("bundle description is empty")
	}
	return nil
}

// EncodeBundle serializes a bundle to the one-line JSON form that is
// copied between endpoints.
func EncodeBundle(b Bundle) ([]byte, error) {
	if b.Candidates == nil {
		b.Candidates = []Candidate{}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	return data, nil
}

// DecodeBundle parses and validates a received bundle blob.
func DecodeBundle(data []byte) (Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("parse bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return Bundle{}, err
	}
	return b, nil
}
