package bootstrap

import (
	"errors"
	"fmt"

	"github.com/guseggert/mtlsboot/artifact"
	"github.com/guseggert/mtlsboot/certs"
	"github.com/guseggert/mtlsboot/launch"
)

// State is a step of a bootstrap attempt.
type State string

const (
	StateInit               State = "init"
	StateReclaiming         State = "reclaiming"
	StateCertGenerating     State = "cert_generating"
	StateSpawning           State = "spawning"
	StateAwaitingReadiness  State = "awaiting_readiness"
	StatePublishingArtifact State = "publishing_artifact"
	StateDetached           State = "detached"

	StateCertGenFailed   State = "cert_gen_failed"
	StateSpawnFailed     State = "spawn_failed"
	StateHandshakeFailed State = "handshake_failed"
	StatePublishFailed   State = "publish_failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateDetached, StateCertGenFailed, StateSpawnFailed, StateHandshakeFailed, StatePublishFailed:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateInit:               {StateReclaiming},
	StateReclaiming:         {StateCertGenerating},
	StateCertGenerating:     {StateSpawning, StateCertGenFailed},
	StateSpawning:           {StateAwaitingReadiness, StateSpawnFailed},
	StateAwaitingReadiness:  {StatePublishingArtifact, StateHandshakeFailed},
	StatePublishingArtifact: {StateDetached, StatePublishFailed},
}

func validTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Kind classifies why an attempt failed.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindDirectoryCreation   Kind = "directory_creation"
	KindCertificateIssuance Kind = "certificate_issuance"
	KindProcessSpawn        Kind = "process_spawn"
	KindChannel             Kind = "channel"
	KindChildExitedEarly    Kind = "child_exited_early"
	KindArtifactWrite       Kind = "artifact_write"
)

// Error is returned by a failed attempt. It unwraps to the component error, so errors.As with *launch.ExitedEarlyError recovers the exit code.
type Error struct {
	State State
	Kind  Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bootstrap %s (%s): %s", e.State, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCode returns the child's exit code when the failure was an early exit.
func (e *Error) ExitCode() (int, bool) {
	var exitErr *launch.ExitedEarlyError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode, true
	}
	return 0, false
}

func classify(err error, fallback Kind) Kind {
	var (
		dirErr   *certs.DirectoryError
		spawnErr *launch.SpawnError
		chanErr  *launch.ChannelError
		exitErr  *launch.ExitedEarlyError
		writeErr *artifact.WriteError
		reqErr   *RequestError
	)
	switch {
	case errors.As(err, &reqErr):
		return KindInvalidRequest
	case errors.As(err, &dirErr):
		return KindDirectoryCreation
	case errors.As(err, &spawnErr):
		return KindProcessSpawn
	case errors.As(err, &exitErr):
		return KindChildExitedEarly
	case errors.As(err, &chanErr):
		return KindChannel
	case errors.As(err, &writeErr):
		return KindArtifactWrite
	}
	return fallback
}
