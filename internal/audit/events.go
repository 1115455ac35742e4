package audit

import "strconv"

// Event type constants recorded by each subsystem. These are free-form
// strings in the schema (not a SQL enum) so new event types never
// require a migration.
const (
	EventConnectionOpened        = "connection.opened"
	EventConnectionAuthenticated = "connection.authenticated"
	EventConnectionAuthFailed    = "connection.auth_failed"
	EventConnectionClosed        = "connection.closed"

	EventSessionCreated    = "session.created"
	EventSessionAttached   = "session.attached"
	EventSessionDetached   = "session.detached"
	EventSessionTerminated = "session.terminated"

	EventPairingInitiated = "pairing.initiated"
	EventPairingConfirmed = "pairing.confirmed"
	EventPairingRejected  = "pairing.rejected"
	EventPairingRevoked   = "pairing.revoked"
	EventDevicesExpired   = "pairing.devices_expired"
)

// Logger is a narrow append-only view of a Store, passed to the
// subsystems that record events so they don't need the full query
// surface.
type Logger interface {
	Append(category Category, eventType, subjectID string, detail *string) error
}

// strPtr is a small helper for constructing the optional detail
// argument from a literal string.
func strPtr(s string) *string { return &s }

// LogConnectionOpened records a new connection.
func LogConnectionOpened(l Logger, connectionID, remoteAddr string) error {
	return l.Append(CategoryConnection, EventConnectionOpened, connectionID, strPtr(remoteAddr))
}

// LogConnectionClosed records a connection closing.
func LogConnectionClosed(l Logger, connectionID string) error {
	return l.Append(CategoryConnection, EventConnectionClosed, connectionID, nil)
}

// LogConnectionAuthenticated records a connection passing authentication.
func LogConnectionAuthenticated(l Logger, connectionID string) error {
	return l.Append(CategoryConnection, EventConnectionAuthenticated, connectionID, nil)
}

// LogConnectionAuthFailed records a failed authentication attempt.
func LogConnectionAuthFailed(l Logger, connectionID, reason string) error {
	return l.Append(CategoryConnection, EventConnectionAuthFailed, connectionID, strPtr(reason))
}

// LogSessionCreated records a new session.
func LogSessionCreated(l Logger, sessionID, shell string) error {
	return l.Append(CategorySession, EventSessionCreated, sessionID, strPtr(shell))
}

// LogSessionAttached records a reattach to an existing session.
func LogSessionAttached(l Logger, sessionID, connectionID string) error {
	return l.Append(CategorySession, EventSessionAttached, sessionID, strPtr(connectionID))
}

// LogSessionDetached records a session being left DETACHED.
func LogSessionDetached(l Logger, sessionID string) error {
	return l.Append(CategorySession, EventSessionDetached, sessionID, nil)
}

// LogSessionTerminated records a session's final termination.
func LogSessionTerminated(l Logger, sessionID, reason string) error {
	return l.Append(CategorySession, EventSessionTerminated, sessionID, strPtr(reason))
}

// LogPairingInitiated records a new pairing attempt starting.
func LogPairingInitiated(l Logger, pairingSessionID, deviceName string) error {
	return l.Append(CategoryPairing, EventPairingInitiated, pairingSessionID, strPtr(deviceName))
}

// LogPairingConfirmed records a pairing completing successfully.
func LogPairingConfirmed(l Logger, pairingSessionID, deviceID string) error {
	return l.Append(CategoryPairing, EventPairingConfirmed, pairingSessionID, strPtr(deviceID))
}

// LogPairingRejected records the operator rejecting a pairing attempt.
func LogPairingRejected(l Logger, pairingSessionID string) error {
	return l.Append(CategoryPairing, EventPairingRejected, pairingSessionID, nil)
}

// LogPairingRevoked records a previously paired device being revoked.
func LogPairingRevoked(l Logger, deviceID string) error {
	return l.Append(CategoryPairing, EventPairingRevoked, deviceID, nil)
}

// LogDevicesExpired records a stale-device sweep transitioning count
// devices to EXPIRED.
func LogDevicesExpired(l Logger, count int) error {
	return l.Append(CategoryPairing, EventDevicesExpired, "sweep", strPtr(strconv.Itoa(count)))
}
