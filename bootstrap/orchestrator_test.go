package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/mtlsboot/artifact"
	"github.com/guseggert/mtlsboot/certs"
	"github.com/guseggert/mtlsboot/launch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mut    sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) get() []string {
	r.mut.Lock()
	defer r.mut.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) observe(from, to State) { r.add(string(to)) }

type fakeReclaimer struct {
	rec   *recorder
	ports []int
}

func (f *fakeReclaimer) Reclaim(ctx context.Context, port int) int {
	f.rec.add("reclaim")
	f.ports = append(f.ports, port)
	return 1
}

type failingProvider struct {
	err error
}

func (f failingProvider) Issue(ctx context.Context, req certs.IssueRequest) (*certs.Paths, error) {
	return nil, f.err
}

type fakeChild struct {
	pid      int
	port     int
	err      error
	block    bool
	released bool
}

func (f *fakeChild) PID() int { return f.pid }

func (f *fakeChild) WaitReady(ctx context.Context) (int, error) {
	if f.block {
		<-ctx.Done()
		return 0, &launch.ChannelError{Err: ctx.Err()}
	}
	return f.port, f.err
}

func (f *fakeChild) Release() { f.released = true }

type fakeLauncher struct {
	child    *fakeChild
	err      error
	requests []launch.StartRequest
}

func (f *fakeLauncher) Launch(ctx context.Context, req launch.StartRequest) (Child, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.child, nil
}

func newRequest(t *testing.T) LaunchRequest {
	dir := t.TempDir()
	return LaunchRequest{
		ClientCommonName: "client",
		ServerCommonName: "localhost",
		ValidityDays:     7,
		ArtifactPath:     filepath.Join(dir, "server.json"),
		CertDir:          filepath.Join(dir, "certs"),
		ServerEntryPoint: "hostd",
		Executable:       "/usr/bin/mtlsboot",
	}
}

type harness struct {
	rec       *recorder
	reclaimer *fakeReclaimer
	launcher  *fakeLauncher
	orch      *Orchestrator
}

func newHarness(t *testing.T, child *fakeChild, opts ...Option) *harness {
	h := &harness{rec: &recorder{}}
	h.reclaimer = &fakeReclaimer{rec: h.rec}
	h.launcher = &fakeLauncher{child: child}
	base := []Option{
		WithLogger(zap.NewNop()),
		WithReclaimer(h.reclaimer),
		WithLauncher(h.launcher),
		WithObserver(h.rec.observe),
		WithVersion("1.2.3"),
	}
	orch, err := New(append(base, opts...)...)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func TestRunPublishesBoundPort(t *testing.T) {
	child := &fakeChild{pid: 4242, port: 54321}
	h := newHarness(t, child)
	req := newRequest(t)
	req.Port = 0

	art, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 54321, art.Port)
	assert.Equal(t, 4242, art.PID)
	assert.Equal(t, "1.2.3", art.Version)
	assert.Equal(t, "localhost", art.Hostname)
	assert.True(t, child.released)

	onDisk, err := artifact.Read(req.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, art, onDisk)

	// the artifact carries the client half, the child got the server half
	require.Len(t, h.launcher.requests, 1)
	sent := h.launcher.requests[0]
	assert.Equal(t, 0, sent.Port)
	assert.Equal(t, "hostd", sent.EntryPoint)
	assert.Equal(t, "/usr/bin/mtlsboot", sent.Executable)
	assert.Equal(t, art.CA, string(sent.CA))
	assert.NotEqual(t, art.Cert, string(sent.Cert))
	assert.NotEqual(t, art.Key, string(sent.Key))

	assert.Equal(t, []string{
		string(StateInit),
		string(StateReclaiming),
		"reclaim",
		string(StateCertGenerating),
		string(StateSpawning),
		string(StateAwaitingReadiness),
		string(StatePublishingArtifact),
		string(StateDetached),
	}, h.rec.get())
	assert.Equal(t, []int{0}, h.reclaimer.ports)
}

func TestRunFailures(t *testing.T) {
	signingErr := errors.New("signing failed")

	cases := []struct {
		name      string
		child     *fakeChild
		opts      []Option
		launchErr error
		modify    func(t *testing.T, req *LaunchRequest)

		expState    State
		expKind     Kind
		expLaunched bool
		expErrIs    error
		expReleased bool
	}{
		{
			name:     "provider failure",
			opts:     []Option{WithProvider(failingProvider{err: signingErr})},
			expState: StateCertGenFailed,
			expKind:  KindCertificateIssuance,
			expErrIs: signingErr,
		},
		{
			name: "cert dir cannot be created",
			modify: func(t *testing.T, req *LaunchRequest) {
				file := filepath.Join(t.TempDir(), "file")
				require.NoError(t, os.WriteFile(file, nil, 0600))
				req.CertDir = filepath.Join(file, "certs")
			},
			expState: StateCertGenFailed,
			expKind:  KindDirectoryCreation,
		},
		{
			name:        "spawn failure",
			launchErr:   &launch.SpawnError{Executable: "/usr/bin/mtlsboot", Err: os.ErrNotExist},
			expState:    StateSpawnFailed,
			expKind:     KindProcessSpawn,
			expLaunched: true,
			expErrIs:    os.ErrNotExist,
		},
		{
			name:        "child exits early",
			child:       &fakeChild{pid: 1, err: &launch.ExitedEarlyError{ExitCode: 1}},
			expState:    StateHandshakeFailed,
			expKind:     KindChildExitedEarly,
			expLaunched: true,
			expReleased: true,
		},
		{
			name:        "channel error",
			child:       &fakeChild{pid: 1, err: &launch.ChannelError{Err: errors.New("connection reset")}},
			expState:    StateHandshakeFailed,
			expKind:     KindChannel,
			expLaunched: true,
			expReleased: true,
		},
		{
			name:  "readiness timeout",
			child: &fakeChild{pid: 1, block: true},
			modify: func(t *testing.T, req *LaunchRequest) {
				req.ReadinessTimeout = 50 * time.Millisecond
			},
			expState:    StateHandshakeFailed,
			expKind:     KindChannel,
			expLaunched: true,
			expErrIs:    context.DeadlineExceeded,
			expReleased: true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, c.child, c.opts...)
			h.launcher.err = c.launchErr
			req := newRequest(t)
			if c.modify != nil {
				c.modify(t, &req)
			}

			art, err := h.orch.Run(context.Background(), req)
			assert.Nil(t, art)

			var bootErr *Error
			require.ErrorAs(t, err, &bootErr)
			assert.Equal(t, c.expState, bootErr.State)
			assert.Equal(t, c.expKind, bootErr.Kind)
			if c.expErrIs != nil {
				assert.ErrorIs(t, err, c.expErrIs)
			}
			events := h.rec.get()
			assert.Equal(t, string(c.expState), events[len(events)-1])

			assert.Equal(t, c.expLaunched, len(h.launcher.requests) == 1)
			if c.child != nil {
				assert.Equal(t, c.expReleased, c.child.released)
			}

			_, statErr := os.Stat(req.ArtifactPath)
			assert.ErrorIs(t, statErr, os.ErrNotExist)
		})
	}
}

func TestRunChildExitCodeInError(t *testing.T) {
	h := newHarness(t, &fakeChild{pid: 1, err: &launch.ExitedEarlyError{ExitCode: 1}})

	_, err := h.orch.Run(context.Background(), newRequest(t))

	var bootErr *Error
	require.ErrorAs(t, err, &bootErr)
	code, ok := bootErr.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 1, code)
	assert.Contains(t, err.Error(), "code 1")

	var exitErr *launch.ExitedEarlyError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode)
}

func TestRunFailureLeavesExistingArtifact(t *testing.T) {
	cases := []struct {
		name      string
		child     *fakeChild
		opts      []Option
		launchErr error
		expState  State
	}{
		{
			name:     "provider failure",
			opts:     []Option{WithProvider(failingProvider{err: errors.New("signing failed")})},
			expState: StateCertGenFailed,
		},
		{
			name:      "spawn failure",
			launchErr: &launch.SpawnError{Executable: "/usr/bin/mtlsboot", Err: os.ErrPermission},
			expState:  StateSpawnFailed,
		},
		{
			name:     "child exits early",
			child:    &fakeChild{pid: 1, err: &launch.ExitedEarlyError{ExitCode: 1}},
			expState: StateHandshakeFailed,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, c.child, c.opts...)
			h.launcher.err = c.launchErr
			req := newRequest(t)

			previous := artifact.Artifact{PID: 99, Version: "0.9.0", Hostname: "localhost", Port: 8000, CA: "ca", Cert: "cert", Key: "key", Success: true}
			require.NoError(t, artifact.Write(req.ArtifactPath, previous))
			before, err := os.ReadFile(req.ArtifactPath)
			require.NoError(t, err)
			beforeInfo, err := os.Stat(req.ArtifactPath)
			require.NoError(t, err)

			_, err = h.orch.Run(context.Background(), req)
			var bootErr *Error
			require.ErrorAs(t, err, &bootErr)
			assert.Equal(t, c.expState, bootErr.State)

			after, err := os.ReadFile(req.ArtifactPath)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			afterInfo, err := os.Stat(req.ArtifactPath)
			require.NoError(t, err)
			assert.Equal(t, beforeInfo.Mode(), afterInfo.Mode())
			assert.Equal(t, beforeInfo.ModTime(), afterInfo.ModTime())

			entries, err := os.ReadDir(filepath.Dir(req.ArtifactPath))
			require.NoError(t, err)
			// no temporary file was left next to it either
			for _, e := range entries {
				assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), e.Name())
			}
		})
	}
}

func TestRunPublishFailureReleasesChild(t *testing.T) {
	child := &fakeChild{pid: 7, port: 9000}
	writeErr := errors.New("disk full")
	h := newHarness(t, child, WithArtifactWriter(func(path string, a artifact.Artifact) error {
		return writeErr
	}))

	_, err := h.orch.Run(context.Background(), newRequest(t))

	var bootErr *Error
	require.ErrorAs(t, err, &bootErr)
	assert.Equal(t, StatePublishFailed, bootErr.State)
	assert.Equal(t, KindArtifactWrite, bootErr.Kind)
	assert.ErrorIs(t, err, writeErr)
	assert.True(t, child.released)

	var artErr *artifact.WriteError
	assert.ErrorAs(t, err, &artErr)
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	cases := []struct {
		name   string
		modify func(req *LaunchRequest)
		field  string
	}{
		{name: "missing client name", modify: func(req *LaunchRequest) { req.ClientCommonName = "" }, field: "ClientCommonName"},
		{name: "missing cert dir", modify: func(req *LaunchRequest) { req.CertDir = "" }, field: "CertDir"},
		{name: "port out of range", modify: func(req *LaunchRequest) { req.Port = 70000 }, field: "Port"},
		{name: "zero validity", modify: func(req *LaunchRequest) { req.ValidityDays = 0 }, field: "ValidityDays"},
		{name: "bad params", modify: func(req *LaunchRequest) { req.ServerParams = []byte("{") }, field: "ServerParams"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, &fakeChild{})
			req := newRequest(t)
			c.modify(&req)

			_, err := h.orch.Run(context.Background(), req)

			var bootErr *Error
			require.ErrorAs(t, err, &bootErr)
			assert.Equal(t, StateInit, bootErr.State)
			assert.Equal(t, KindInvalidRequest, bootErr.Kind)
			var reqErr *RequestError
			require.ErrorAs(t, err, &reqErr)
			assert.Equal(t, c.field, reqErr.Field)

			assert.Empty(t, h.rec.get())
			assert.Empty(t, h.reclaimer.ports)
		})
	}
}

func TestTransitions(t *testing.T) {
	assert.True(t, validTransition(StateInit, StateReclaiming))
	assert.True(t, validTransition(StateAwaitingReadiness, StateHandshakeFailed))
	assert.False(t, validTransition(StateReclaiming, StateCertGenFailed))
	assert.False(t, validTransition(StateInit, StateDetached))
	assert.False(t, validTransition(StateDetached, StateReclaiming))

	for from := range transitions {
		assert.False(t, from.Terminal(), from)
	}
	for _, s := range []State{StateDetached, StateCertGenFailed, StateSpawnFailed, StateHandshakeFailed, StatePublishFailed} {
		assert.True(t, s.Terminal(), s)
		assert.Empty(t, transitions[s])
	}
}
