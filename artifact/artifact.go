// Package artifact reads and writes the credential artifact: the JSON file a client reads to learn how to reach a launched server.
//
// Writes are atomic. The record is written to a temporary file in the same directory, fsynced, and renamed over the destination, so a concurrent reader sees either the previous content or the new one and never a partial file. The file is owner read/write only.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Artifact is the published connection bundle.
type Artifact struct {
	PID      int    `json:"pid"`
	Version  string `json:"version"`
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	CA       string `json:"ca"`
	Cert     string `json:"cert"`
	Key      string `json:"key"`
	Success  bool   `json:"success"`
}

// WriteError wraps any filesystem failure during Write.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing credential artifact %q: %s", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Write atomically replaces path with the JSON encoding of a.
func Write(path string, a Artifact) error {
	err := write(path, a)
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	return nil
}

func write(path string, a Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling: %w", err)
	}

	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	tmpPath := f.Name()

	// CreateTemp already uses 0600, but be explicit since this holds a private key.
	err = f.Chmod(0600)
	if err == nil {
		_, err = f.Write(data)
	}
	if err == nil {
		err = f.Sync()
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}

	err = os.Rename(tmpPath, path)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}

	d, err := os.Open(dir)
	if err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Read parses the artifact at path. A missing file yields an error wrapping os.ErrNotExist.
func Read(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var a Artifact
	err = json.Unmarshal(data, &a)
	if err != nil {
		return nil, fmt.Errorf("parsing credential artifact %q: %w", path, err)
	}
	if !a.Success {
		return nil, fmt.Errorf("credential artifact %q does not record a successful launch", path)
	}
	return &a, nil
}
