// Package signaling implements SignalingClient from spec.md §3/§4.6: the
// FSM that drives cloud discovery (HTTPS control plane) and the WebSocket
// data-plane tunnel used to exchange SDP offers/answers and ICE candidates
// with a remote peer. Grounded on 1ureka-roj1's cmd/ wiring and its use of
// gorilla/websocket for the tunnel, with the FSM itself built on
// internal/statemachine.
package signaling

import (
	"encoding/json"

	"github.com/google/uuid"
)

// MessageType is the outer WebSocket envelope's discriminator (spec.md §6
// "Signaling wire format").
type MessageType string

const (
	MessageOffer          MessageType = "SDP_OFFER"
	MessageAnswer         MessageType = "SDP_ANSWER"
	MessageICECandidate   MessageType = "ICE_CANDIDATE"
	MessageStatusResponse MessageType = "STATUS_RESPONSE"
	// MessageGoAway and MessageReconnectICE are signaling-layer protocol
	// directives (spec.md §4.6/§9): no inner payload is decoded for
	// either, they only drive the FSM demotion in Client.HandleInboundFrame.
	MessageGoAway       MessageType = "GO_AWAY"
	MessageReconnectICE MessageType = "RECONNECT_ICE_SERVER"
)

// Envelope is the WebSocket frame shape: `{messageType, senderClientId?,
// correlationId?, messagePayload}` where messagePayload is base64 of the
// inner SDP/ICE-candidate-init JSON (spec.md §6).
type Envelope struct {
	MessageType     MessageType `json:"messageType"`
	SenderClientID  string      `json:"senderClientId,omitempty"`
	CorrelationID   string      `json:"correlationId,omitempty"`
	MessagePayload  string      `json:"messagePayload"`
}

// StatusResponsePayload is the decoded inner payload of a STATUS_RESPONSE
// envelope (spec.md §6: "{correlationId, statusCode, description}").
type StatusResponsePayload struct {
	CorrelationID string `json:"correlationId"`
	StatusCode    string `json:"statusCode"`
	Description   string `json:"description"`
}

// EncodeEnvelope marshals an outbound envelope, base64-encoding payload
// into MessagePayload. A blank correlationID is assigned a fresh random one
// so every outbound request/response pair can still be matched up on the
// wire (spec.md §6 treats correlationId as caller-supplied-or-absent; we
// never send it empty).
func EncodeEnvelope(msgType MessageType, peerClientID, correlationID string, payload []byte) ([]byte, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	env := Envelope{
		MessageType:    msgType,
		SenderClientID: peerClientID,
		CorrelationID:  correlationID,
		MessagePayload: encodeBase64(payload),
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses an inbound WebSocket frame and base64-decodes its
// payload.
func DecodeEnvelope(raw []byte) (*Envelope, []byte, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, &ProtocolError{Reason: "malformed envelope", Err: err}
	}
	payload, err := decodeBase64(env.MessagePayload)
	if err != nil {
		return nil, nil, &ProtocolError{Reason: "malformed messagePayload base64", Err: err}
	}
	return &env, payload, nil
}
