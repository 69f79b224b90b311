package domain

type TransportStatus string

const (
	TransportConnecting TransportStatus = "connecting"
	TransportOpen       TransportStatus = "open"
	TransportClosed     TransportStatus = "closed"
	TransportErrored    TransportStatus = "errored"
)

type RegistrationStatus string

const (
	Unregistered RegistrationStatus = "unregistered"
	Registering  RegistrationStatus = "registering"
	Registered   RegistrationStatus = "registered"
	RegFailed    RegistrationStatus = "failed"
)
