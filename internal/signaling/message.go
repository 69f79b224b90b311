// Package signaling defines the JSON messages exchanged with the relay.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Phone/internal/domain"
)

var (
	ErrMalformed    = errors.New("malformed signaling message")
	ErrUnknownType  = errors.New("unknown signaling message type")
	ErrMissingField = errors.New("missing signaling field")
)

type Type string

const (
	TypeInvitation   Type = "invitation"
	TypeAccept       Type = "accept"
	TypeReject       Type = "reject"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice_candidate"
	TypeTerminate    Type = "terminate"
)

func (t Type) valid() bool {
	switch t {
	case TypeInvitation, TypeAccept, TypeReject, TypeOffer, TypeAnswer, TypeICECandidate, TypeTerminate:
		return true
	}
	return false
}

// Message is one signaling frame. Build it with the constructors below; treat it as immutable.
type Message struct {
	Type      Type             `json:"type"`
	SessionID domain.SessionID `json:"sessionId,omitempty"`
	From      domain.Identity  `json:"from"`
	To        domain.Identity  `json:"to"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

type causePayload struct {
	Cause domain.Cause `json:"cause"`
}

func Invitation(sid domain.SessionID, from, to domain.Identity) Message {
	return Message{Type: TypeInvitation, SessionID: sid, From: from, To: to}
}

func Accept(sid domain.SessionID, from, to domain.Identity) Message {
	return Message{Type: TypeAccept, SessionID: sid, From: from, To: to}
}

func Reject(sid domain.SessionID, from, to domain.Identity, cause domain.Cause) Message {
	return Message{Type: TypeReject, SessionID: sid, From: from, To: to, Payload: mustJSON(causePayload{Cause: cause})}
}

func Terminate(sid domain.SessionID, from, to domain.Identity, cause domain.Cause) Message {
	return Message{Type: TypeTerminate, SessionID: sid, From: from, To: to, Payload: mustJSON(causePayload{Cause: cause})}
}

func Offer(sid domain.SessionID, from, to domain.Identity, sdp webrtc.SessionDescription) Message {
	return Message{Type: TypeOffer, SessionID: sid, From: from, To: to, Payload: mustJSON(sdp)}
}

func Answer(sid domain.SessionID, from, to domain.Identity, sdp webrtc.SessionDescription) Message {
	return Message{Type: TypeAnswer, SessionID: sid, From: from, To: to, Payload: mustJSON(sdp)}
}

func Candidate(sid domain.SessionID, from, to domain.Identity, c webrtc.ICECandidateInit) Message {
	return Message{Type: TypeICECandidate, SessionID: sid, From: from, To: to, Payload: mustJSON(c)}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// only plain structs are marshalled here
		panic(fmt.Sprintf("signaling: marshal payload: %v", err))
	}
	return b
}

// Decode parses and validates one frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !m.Type.valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if m.From == "" || m.To == "" {
		return Message{}, fmt.Errorf("%w: from/to on %s", ErrMissingField, m.Type)
	}
	if m.SessionID == "" && m.Type != TypeInvitation {
		return Message{}, fmt.Errorf("%w: sessionId on %s", ErrMissingField, m.Type)
	}
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		if len(m.Payload) == 0 {
			return Message{}, fmt.Errorf("%w: payload on %s", ErrMissingField, m.Type)
		}
	}
	return m, nil
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Description returns the SDP carried by an offer or answer.
func (m Message) Description() (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if err := json.Unmarshal(m.Payload, &sd); err != nil {
		return sd, fmt.Errorf("%w: sdp: %v", ErrMalformed, err)
	}
	if sd.SDP == "" {
		return sd, fmt.Errorf("%w: empty sdp", ErrMissingField)
	}
	return sd, nil
}

// ICECandidate returns the candidate carried by an ice_candidate message.
func (m Message) ICECandidate() (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(m.Payload, &c); err != nil {
		return c, fmt.Errorf("%w: candidate: %v", ErrMalformed, err)
	}
	return c, nil
}

// Cause returns the cause of a reject or terminate; empty when absent.
func (m Message) Cause() domain.Cause {
	if len(m.Payload) == 0 {
		return domain.CauseNone
	}
	var p causePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return domain.CauseNone
	}
	return p.Cause
}
