package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LaunchRequest describes one bootstrap attempt.
type LaunchRequest struct {
	ClientCommonName string
	// ServerCommonName is also the hostname published in the artifact.
	ServerCommonName string
	// SigningConfigPath is an optional YAML signing profile.
	SigningConfigPath string
	// Port is the port to bind. Zero asks the server for an ephemeral port.
	Port         int
	ValidityDays int

	ArtifactPath string
	CertDir      string

	// ServerEntryPoint names the registered server the child runs.
	ServerEntryPoint string
	// ServerParams is forwarded verbatim to the server.
	ServerParams json.RawMessage

	// Executable is the binary started in serve-entry mode. Empty means the running executable.
	Executable string

	// ReadinessTimeout bounds the wait for the ready message. Zero waits until the child reports or exits.
	ReadinessTimeout time.Duration
}

// RequestError reports an unusable LaunchRequest.
type RequestError struct {
	Field  string
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid launch request: %s %s", e.Field, e.Reason)
}

// Validate checks the request before any side effect happens.
func (r LaunchRequest) Validate() error {
	var errs []error
	require := func(field, v string) {
		if v == "" {
			errs = append(errs, &RequestError{Field: field, Reason: "is required"})
		}
	}
	require("ClientCommonName", r.ClientCommonName)
	require("ServerCommonName", r.ServerCommonName)
	require("ArtifactPath", r.ArtifactPath)
	require("CertDir", r.CertDir)
	require("ServerEntryPoint", r.ServerEntryPoint)

	if r.Port < 0 || r.Port > 65535 {
		errs = append(errs, &RequestError{Field: "Port", Reason: fmt.Sprintf("%d is out of range", r.Port)})
	}
	if r.ValidityDays <= 0 {
		errs = append(errs, &RequestError{Field: "ValidityDays", Reason: "must be positive"})
	}
	if r.ReadinessTimeout < 0 {
		errs = append(errs, &RequestError{Field: "ReadinessTimeout", Reason: "must not be negative"})
	}
	if len(r.ServerParams) > 0 && !json.Valid(r.ServerParams) {
		errs = append(errs, &RequestError{Field: "ServerParams", Reason: "is not valid JSON"})
	}
	return errors.Join(errs...)
}
