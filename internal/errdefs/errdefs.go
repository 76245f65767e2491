// Package errdefs defines the sentinel errors shared by the callbridge
// subsystems. The HTTP layer maps these to status codes in one place;
// everything else wraps them with fmt.Errorf("...: %w", err) and callers
// test with errors.Is.
package errdefs

import "errors"

var (
	// ErrInvalidParticipants indicates unknown, duplicate, or otherwise
	// unusable participant ids on session creation, including an initiator
	// that already has an active session.
	ErrInvalidParticipants = errors.New("invalid participants")

	// ErrSessionClosed indicates signaling against a session that already
	// reached a terminal status.
	ErrSessionClosed = errors.New("session closed")

	// ErrInvalidStateTransition indicates a state machine edge that does
	// not exist, such as pausing a recording that is not recording.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrUploadExhausted indicates a segment upload that failed after the
	// configured number of attempts.
	ErrUploadExhausted = errors.New("upload attempts exhausted")

	// ErrUnauthorized indicates an access decision that came back negative
	// after the audit entry was written.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStorageUnavailable indicates the blob store or the audit store
	// could not be reached. Access checks fail closed with this error.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrNotFound indicates a row that does not exist.
	ErrNotFound = errors.New("not found")
)
