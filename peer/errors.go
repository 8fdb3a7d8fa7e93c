package peer

import "errors"

var (
	// ErrNotFound means no registered peer reported the file.
	ErrNotFound = errors.New("file not found on any peer")
	// ErrInconsistent means peers disagree on the file's fingerprint or block count.
	ErrInconsistent = errors.New("peers disagree on file identity")
	// ErrIncomplete means fewer distinct blocks arrived than the file has.
	ErrIncomplete = errors.New("download incomplete")
	// ErrIntegrity means the reassembled file does not match the negotiated fingerprint.
	ErrIntegrity = errors.New("reassembled file failed verification")
	ErrHandshake = errors.New("handshake failed")

	ErrDestinationExists = errors.New("destination file already exists")
	ErrInvalidName       = errors.New("invalid file name")
)
