package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/guseggert/mtlsboot/certs"
	"github.com/guseggert/mtlsboot/launch"
	"go.uber.org/zap"
)

// Entry is the child side of a launch: it reads the start payload, binds the listener, reports readiness and runs the named server.
type Entry struct {
	Log   *zap.SugaredLogger
	Stdin io.Reader
	// Notify delivers the bound port to the launcher.
	Notify func(port int) error
	// Host is the address to bind. Empty means all interfaces.
	Host string
}

// Run returns when the server stops. Any error before Notify is called makes the launcher see an early exit.
func (e *Entry) Run(ctx context.Context) error {
	payload, err := launch.ReadPayload(e.Stdin)
	if err != nil {
		return err
	}
	log := e.Log.Named(payload.Launcher)

	factory, err := lookup(payload.Launcher)
	if err != nil {
		return err
	}

	tlsConfig, err := certs.ServerTLSConfig([]byte(payload.CA), []byte(payload.Cert), []byte(payload.Key))
	if err != nil {
		return fmt.Errorf("building server TLS config: %w", err)
	}

	srv, err := factory(log, payload.ServerParams)
	if err != nil {
		return fmt.Errorf("building server %q: %w", payload.Launcher, err)
	}

	tcpListener, err := net.Listen("tcp", net.JoinHostPort(e.Host, fmt.Sprint(payload.Port)))
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	port := tcpListener.Addr().(*net.TCPAddr).Port

	err = e.Notify(port)
	if err != nil {
		tcpListener.Close()
		return err
	}
	log.Infow("listening", "Port", port)

	return srv.Serve(ctx, tls.NewListener(tcpListener, tlsConfig))
}
