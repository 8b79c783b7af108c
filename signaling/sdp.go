package signaling

import "encoding/json"

// SDPType is the offer/answer discriminator (spec.md §6).
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// SessionDescription is the thin `{type, sdp}` carrier spec.md §6 calls
// for: JSON serialization for SDP is an external collaborator's concern
// (spec.md §1 Non-goals), so this is intentionally not a parsed SDP model,
// just the two fields the wire format names.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// rawSessionDescription mirrors the wire shape without the SDPType
// validation, so DecodeSessionDescription can distinguish "key absent" from
// "key present but invalid" per the exact error taxonomy spec.md's S5
// scenario names.
type rawSessionDescription struct {
	Type *string `json:"type"`
	SDP  *string `json:"sdp"`
}

// DecodeSessionDescription parses the inner SDP JSON payload, failing with
// the specific reasons spec.md's S5 scenario enumerates: malformed JSON is
// "protocol", a missing "type" key is "missing-type", a missing "sdp" key
// is "missing-sdp", and an unrecognized type value is "invalid-type".
func DecodeSessionDescription(raw []byte) (*SessionDescription, error) {
	var r rawSessionDescription
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &ProtocolError{Reason: "malformed session description JSON", Err: err}
	}
	if r.Type == nil && r.SDP == nil {
		return nil, &ProtocolError{Reason: "empty session description"}
	}
	if r.SDP == nil {
		return nil, &ProtocolError{Reason: "missing-sdp"}
	}
	if r.Type == nil {
		return nil, &ProtocolError{Reason: "missing-type"}
	}
	t := SDPType(*r.Type)
	if t != SDPOffer && t != SDPAnswer {
		return nil, &ProtocolError{Reason: "invalid-type"}
	}
	return &SessionDescription{Type: t, SDP: *r.SDP}, nil
}

// EncodeSessionDescription serializes sd back to its wire JSON.
func EncodeSessionDescription(sd *SessionDescription) ([]byte, error) {
	return json.Marshal(sd)
}

// ICECandidateInit is the wire shape for a single ICE candidate (spec.md
// §6: `{"candidate":"<attribute string>","sdpMid":"<n>","sdpMLineIndex":<n>}`).
type ICECandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

type rawICECandidateInit struct {
	Candidate     *string `json:"candidate"`
	SDPMid        string  `json:"sdpMid"`
	SDPMLineIndex uint16  `json:"sdpMLineIndex"`
}

// DecodeICECandidateInit parses an inbound ICE-candidate-init payload,
// failing with "missing-candidate" when the candidate attribute string is
// absent (spec.md §6).
func DecodeICECandidateInit(raw []byte) (*ICECandidateInit, error) {
	var r rawICECandidateInit
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &ProtocolError{Reason: "malformed ice candidate init JSON", Err: err}
	}
	if r.Candidate == nil {
		return nil, &ProtocolError{Reason: "missing-candidate"}
	}
	return &ICECandidateInit{Candidate: *r.Candidate, SDPMid: r.SDPMid, SDPMLineIndex: r.SDPMLineIndex}, nil
}

// EncodeICECandidateInit serializes c back to its wire JSON.
func EncodeICECandidateInit(c *ICECandidateInit) ([]byte, error) {
	return json.Marshal(c)
}
