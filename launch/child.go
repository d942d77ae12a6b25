package launch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// ReadPayload decodes the start payload the launcher wrote to r (the child's stdin).
func ReadPayload(r io.Reader) (*StartPayload, error) {
	var p StartPayload
	err := json.NewDecoder(r).Decode(&p)
	if err != nil {
		return nil, fmt.Errorf("decoding start payload: %w", err)
	}
	if p.Launcher == "" {
		return nil, errors.New("start payload names no launcher")
	}
	if p.Key == "" || p.Cert == "" || p.CA == "" {
		return nil, errors.New("start payload is missing TLS material")
	}
	return &p, nil
}

// ControlChannel is the child's end of the control channel.
type ControlChannel struct {
	conn net.Conn
}

// OpenControlChannel opens the inherited descriptor. It must be called at most once per process.
func OpenControlChannel() (*ControlChannel, error) {
	f := os.NewFile(ControlFD, "control")
	if f == nil {
		return nil, errors.New("control channel descriptor is not open")
	}
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("opening control channel: %w", err)
	}
	return &ControlChannel{conn: conn}, nil
}

// NotifyReady sends the ready message and closes the channel.
func (c *ControlChannel) NotifyReady(port int) error {
	defer c.conn.Close()
	err := json.NewEncoder(c.conn).Encode(ReadyMessage{Port: port})
	if err != nil {
		return fmt.Errorf("sending ready message: %w", err)
	}
	return nil
}

func (c *ControlChannel) Close() error {
	return c.conn.Close()
}
