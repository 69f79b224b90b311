package domain

import "strconv"

// Cause is the data form of every failure that reaches the UI.
type Cause string

const (
	CauseNone Cause = ""

	// call causes
	CauseBusy                 Cause = "Busy"
	CauseDeclined             Cause = "Declined"
	CauseNoAnswer             Cause = "NoAnswer"
	CauseMediaUnavailable     Cause = "MediaUnavailable"
	CauseNegotiationFailed    Cause = "NegotiationFailed"
	CauseICEFailed            Cause = "IceFailed"
	CauseSignalingUnavailable Cause = "SignalingUnavailable"
	CauseRemoteHangup         Cause = "RemoteHangup"
	CauseLocalHangup          Cause = "LocalHangup"
	CauseUnavailable          Cause = "Unavailable"
	CauseRateLimited          Cause = "RateLimited"
	CauseAnsweredElsewhere    Cause = "AnsweredElsewhere"

	// transport causes
	CauseConnectFailed      Cause = "ConnectFailed"
	CauseConnectionLost     Cause = "ConnectionLost"
	CauseTransportExhausted Cause = "TransportExhausted"

	// registration causes
	CauseInvalidIdentity       Cause = "InvalidIdentity"
	CauseAuthenticationFailed  Cause = "AuthenticationFailed"
	CauseRegistrarTimeout      Cause = "RegistrarTimeout"
	CauseRegistrationExhausted Cause = "RegistrationExhausted"
	CauseTransportUnavailable  Cause = "TransportUnavailable"
)

// RejectedCause builds the cause for a registrar rejection without an auth marker.
func RejectedCause(code int, reason string) Cause {
	return Cause("Rejected: " + strconv.Itoa(code) + " " + reason)
}
