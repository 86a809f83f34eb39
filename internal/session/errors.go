package session

import "errors"

// Failure reasons are wire contract: the error text is delivered to clients
// verbatim in session_join_failed and error envelopes, so these deliberately
// break the lowercase convention for error strings.
var (
	// ErrNotAuthenticated is returned for session operations attempted
	// before a handshake has established a player identity.
	ErrNotAuthenticated = errors.New("Not authenticated")
	// ErrSessionNotFound is returned when the named session does not exist.
	ErrSessionNotFound = errors.New("Session not found")
	// ErrInvalidPassword is returned when a private session's password
	// does not match.
	ErrInvalidPassword = errors.New("Invalid password")
	// ErrSessionFull is returned when a join would exceed maxPlayers.
	ErrSessionFull = errors.New("Session is full")
	// ErrNotInSession is returned for relay operations from a sender that
	// is not a current member of the named session.
	ErrNotInSession = errors.New("Not in a session")
)
