package claude

import (
	"errors"
	"fmt"
)

var (
	// ErrSpawnFailure means the OS could not start the CLI.
	ErrSpawnFailure = errors.New("failed to start assistant process")

	// ErrHandshakeTimeout means the process started but never sent its init line.
	ErrHandshakeTimeout = errors.New("handshake timeout: no init received from assistant")

	// ErrNotConnected is returned by operations that need a live, ready process.
	ErrNotConnected = errors.New("not connected")

	// ErrUnexpectedExit means the process exited without Disconnect being called.
	ErrUnexpectedExit = errors.New("assistant process exited unexpectedly")
)

// SubprocessError is an error the CLI reported in-band. It is delivered in
// error events and never ends the session by itself.
type SubprocessError struct {
	Subtype string // e.g. "error_during_execution", or the nested error type
	Message string
}

func (e *SubprocessError) Error() string {
	if e.Subtype != "" {
		return fmt.Sprintf("assistant error (%s): %s", e.Subtype, e.Message)
	}
	return "assistant error: " + e.Message
}
