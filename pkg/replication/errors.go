package replication

import "errors"

var (
	// ErrProtocolViolation is returned when the peer sends bytes that do not
	// follow the data-plane framing. The connection is closed.
	ErrProtocolViolation = errors.New("replication protocol violation")

	// ErrContinuityViolation is returned when the batch history skips a
	// sequence number. The session is closed.
	ErrContinuityViolation = errors.New("sequence continuity violation")

	// ErrStartUnavailable rejects a registration whose start point is not
	// in the retained history. The replica has to bootstrap.
	ErrStartUnavailable = errors.New("sequence number invalid or too low")

	// ErrApplyFailed wraps engine errors on the replica side.
	ErrApplyFailed = errors.New("failed to apply replicated batch")

	// ErrUnauthorized is returned by control clients when the primary
	// refuses the shared secret. Retrying does not help.
	ErrUnauthorized = errors.New("control plane refused the auth key")

	ErrSessionRejected = errors.New("session key rejected")
	ErrServerClosed    = errors.New("replication server closed")
)
