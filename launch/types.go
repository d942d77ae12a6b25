package launch

import (
	"encoding/json"
	"fmt"
)

// ControlFD is the descriptor number of the control channel in the child.
const ControlFD = 3

// StartPayload is written to the child's stdin at process creation.
type StartPayload struct {
	Key  string `json:"key"`
	Cert string `json:"cert"`
	CA   string `json:"ca"`
	Port int    `json:"port"`
	// Launcher names the server implementation the child should run.
	Launcher string `json:"launcher"`
	// ServerParams are forwarded verbatim to the server implementation.
	ServerParams json.RawMessage `json:"serverParams,omitempty"`
}

// ReadyMessage is the only message sent on the control channel.
type ReadyMessage struct {
	Port int `json:"port"`
}

// SpawnError means the process could not be created, e.g. a missing executable or denied permission.
type SpawnError struct {
	Executable string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %s", e.Executable, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ChannelError means the control channel failed before a ready message arrived.
type ChannelError struct {
	Err error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("control channel: %s", e.Err) }

func (e *ChannelError) Unwrap() error { return e.Err }

// ExitedEarlyError means the child exited before signaling readiness.
// ExitCode is -1 when the child was terminated by a signal.
type ExitedEarlyError struct {
	ExitCode int
}

func (e *ExitedEarlyError) Error() string {
	return fmt.Sprintf("child exited early with code %d", e.ExitCode)
}
