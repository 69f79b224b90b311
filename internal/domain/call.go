package domain

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrAlreadyInCall  = errors.New("already in call")
	ErrUnknownSession = errors.New("unknown session")
	ErrNotTerminal    = errors.New("session is not terminal")
)

type SessionID string

// NewSessionID allocates a correlation key for a new call attempt.
func NewSessionID() SessionID { return SessionID(uuid.NewString()) }

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type CallState string

const (
	CallInitiating  CallState = "initiating"
	CallRinging     CallState = "ringing"
	CallAccepted    CallState = "accepted"
	CallNegotiating CallState = "negotiating"
	CallActive      CallState = "active"
	CallEnded       CallState = "ended"
	CallRejected    CallState = "rejected"
	CallFailed      CallState = "failed"
	CallCancelled   CallState = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s CallState) Terminal() bool {
	switch s {
	case CallEnded, CallRejected, CallFailed, CallCancelled:
		return true
	}
	return false
}
