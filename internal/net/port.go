package net

import (
	"fmt"
	"net"
)

// FreeTCPPort asks the kernel for a currently unused TCP port on host.
// The port is released before returning, so a caller racing other binders may still lose it.
func FreeTCPPort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
