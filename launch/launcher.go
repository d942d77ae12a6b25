package launch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/guseggert/mtlsboot/reclaim"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const defaultExitGrace = 2 * time.Second

var errReleased = errors.New("child process handle has been released")

// StartRequest describes one server to launch.
type StartRequest struct {
	// Executable must implement the serve-entry subcommand.
	Executable string
	EntryPoint string
	Port       int

	Key  []byte
	Cert []byte
	CA   []byte

	ServerParams json.RawMessage
	// Env is appended to the launcher's environment.
	Env []string
}

type Launcher struct {
	Log *zap.SugaredLogger
	// ExitGrace bounds how long an EOF on the control channel waits for the child's exit to be observed.
	ExitGrace time.Duration
}

func New(log *zap.SugaredLogger) *Launcher {
	return &Launcher{
		Log:       log.Named("launcher"),
		ExitGrace: defaultExitGrace,
	}
}

// Launch starts the child and returns once it is running. Readiness is awaited with Child.WaitReady.
func (l *Launcher) Launch(ctx context.Context, req StartRequest) (*Child, error) {
	payload, err := json.Marshal(StartPayload{
		Key:          string(req.Key),
		Cert:         string(req.Cert),
		CA:           string(req.CA),
		Port:         req.Port,
		Launcher:     req.EntryPoint,
		ServerParams: req.ServerParams,
	})
	if err != nil {
		return nil, &SpawnError{Executable: req.Executable, Err: fmt.Errorf("marshaling start payload: %w", err)}
	}

	parentFile, childFile, err := socketpair()
	if err != nil {
		return nil, &SpawnError{Executable: req.Executable, Err: fmt.Errorf("creating control channel: %w", err)}
	}

	cmd := exec.Command(req.Executable, reclaim.EntryArg, reclaim.PortArg(req.Port))
	cmd.Env = append(os.Environ(), req.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	err = cmd.Start()
	// the child has its own copy now
	childFile.Close()
	if err != nil {
		parentFile.Close()
		return nil, &SpawnError{Executable: req.Executable, Err: err}
	}

	c := &Child{
		log:       l.Log.With("PID", cmd.Process.Pid),
		cmd:       cmd,
		exitGrace: l.ExitGrace,
		readyCh:   make(chan int, 1),
		chanErrCh: make(chan error, 1),
		exitCh:    make(chan int, 1),
	}
	if c.exitGrace <= 0 {
		c.exitGrace = defaultExitGrace
	}
	go c.watchExit()

	c.conn, err = net.FileConn(parentFile)
	parentFile.Close()
	if err != nil {
		// the handle is still owned here; watchExit reaps the killed child
		c.Kill()
		return nil, &SpawnError{Executable: req.Executable, Err: fmt.Errorf("opening control channel: %w", err)}
	}
	c.log.Debugw("spawned server", "Executable", req.Executable, "EntryPoint", req.EntryPoint, "Port", req.Port)

	go c.readControl()

	return c, nil
}

func socketpair() (parent *os.File, child *os.File, err error) {
	// Hold ForkLock so no concurrent exec inherits the descriptors before they are close-on-exec.
	syscall.ForkLock.RLock()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "control-parent"), os.NewFile(uintptr(fds[1]), "control-child"), nil
}

// Child is the launcher's handle on a spawned server.
// The launcher owns it until Release is called.
type Child struct {
	log       *zap.SugaredLogger
	cmd       *exec.Cmd
	conn      net.Conn
	exitGrace time.Duration

	readyCh   chan int
	chanErrCh chan error
	exitCh    chan int

	waitOnce sync.Once
	port     int
	err      error

	released atomic.Bool
}

// PID is the OS process ID of the child.
func (c *Child) PID() int {
	return c.cmd.Process.Pid
}

func (c *Child) readControl() {
	var msg ReadyMessage
	err := json.NewDecoder(c.conn).Decode(&msg)
	if err != nil {
		c.chanErrCh <- err
		return
	}
	if msg.Port <= 0 || msg.Port > 65535 {
		c.chanErrCh <- fmt.Errorf("ready message carried invalid port %d", msg.Port)
		return
	}
	c.readyCh <- msg.Port
}

// watchExit also reaps the child after Release, so no zombie is left while this process lives.
func (c *Child) watchExit() {
	err := c.cmd.Wait()
	code := -1
	if c.cmd.ProcessState != nil {
		code = c.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		c.log.Debugf("unexpected wait error: %s", err)
	}
	c.exitCh <- code
}

// WaitReady blocks until the child reports readiness, the control channel fails, the child exits, or ctx is done.
// Only the first call races; later calls return the same outcome.
func (c *Child) WaitReady(ctx context.Context) (int, error) {
	c.waitOnce.Do(func() {
		c.port, c.err = race(ctx, c.readyCh, c.chanErrCh, c.exitCh, c.exitGrace)
		// tears down the reader; a late exit is absorbed by the buffered exitCh
		c.conn.Close()
		if c.err != nil {
			c.log.Debugf("readiness failed: %s", c.err)
		} else {
			c.log.Debugw("server ready", "Port", c.port)
		}
	})
	return c.port, c.err
}

func race(ctx context.Context, ready <-chan int, chanErr <-chan error, exited <-chan int, exitGrace time.Duration) (int, error) {
	select {
	case port := <-ready:
		return port, nil
	case code := <-exited:
		return afterExit(ctx, code, ready, chanErr, exitGrace)
	case err := <-chanErr:
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, &ChannelError{Err: err}
		}
		timer := time.NewTimer(exitGrace)
		defer timer.Stop()
		select {
		case code := <-exited:
			return 0, &ExitedEarlyError{ExitCode: code}
		case <-timer.C:
			return 0, &ChannelError{Err: fmt.Errorf("closed by child before readiness: %w", err)}
		case <-ctx.Done():
			return 0, &ChannelError{Err: ctx.Err()}
		}
	case <-ctx.Done():
		return 0, &ChannelError{Err: ctx.Err()}
	}
}

// afterExit settles an exit observed before the reader reported. A ready message the child sent before exiting was the first event, so it wins.
// The exited child's end is closed, so the reader reports promptly unless a descendant still holds the descriptor.
func afterExit(ctx context.Context, code int, ready <-chan int, chanErr <-chan error, exitGrace time.Duration) (int, error) {
	timer := time.NewTimer(exitGrace)
	defer timer.Stop()
	select {
	case port := <-ready:
		return port, nil
	case <-chanErr:
	case <-timer.C:
	case <-ctx.Done():
	}
	return 0, &ExitedEarlyError{ExitCode: code}
}

// Release gives up ownership. The caller never signals the child again and Kill is refused.
// The background watcher still collects the exit status, so the process does not linger as a zombie while this process lives.
func (c *Child) Release() {
	if c.released.CompareAndSwap(false, true) {
		c.log.Debug("released server process")
	}
}

// Kill terminates a child that has not been released.
func (c *Child) Kill() error {
	if c.released.Load() {
		return errReleased
	}
	return c.cmd.Process.Kill()
}
