package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/guseggert/mtlsboot/artifact"
	"github.com/guseggert/mtlsboot/certs"
	"github.com/guseggert/mtlsboot/launch"
	"github.com/guseggert/mtlsboot/reclaim"
	"github.com/guseggert/mtlsboot/version"
	"go.uber.org/zap"
)

// Reclaimer terminates stale servers bound to a port. It never fails.
type Reclaimer interface {
	Reclaim(ctx context.Context, port int) int
}

// Child is a spawned server awaiting readiness.
type Child interface {
	PID() int
	WaitReady(ctx context.Context) (int, error)
	Release()
}

type Launcher interface {
	Launch(ctx context.Context, req launch.StartRequest) (Child, error)
}

// ArtifactWriter publishes the artifact to path.
type ArtifactWriter func(path string, a artifact.Artifact) error

// StateObserver is called on every transition, including the initial one.
type StateObserver func(from, to State)

type processLauncher struct {
	l *launch.Launcher
}

func (p processLauncher) Launch(ctx context.Context, req launch.StartRequest) (Child, error) {
	c, err := p.l.Launch(ctx, req)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Orchestrator drives bootstrap attempts. It is safe to reuse across sequential attempts.
type Orchestrator struct {
	log *zap.SugaredLogger

	reclaimer Reclaimer
	provider  certs.Provider
	launcher  Launcher
	writer    ArtifactWriter
	observer  StateObserver
	version   string
}

type Option func(o *Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l.Sugar()
	}
}

func WithReclaimer(r Reclaimer) Option {
	return func(o *Orchestrator) {
		o.reclaimer = r
	}
}

func WithProvider(p certs.Provider) Option {
	return func(o *Orchestrator) {
		o.provider = p
	}
}

func WithLauncher(l Launcher) Option {
	return func(o *Orchestrator) {
		o.launcher = l
	}
}

func WithArtifactWriter(w ArtifactWriter) Option {
	return func(o *Orchestrator) {
		o.writer = w
	}
}

func WithObserver(f StateObserver) Option {
	return func(o *Orchestrator) {
		o.observer = f
	}
}

// WithVersion overrides the version recorded in the artifact.
func WithVersion(v string) Option {
	return func(o *Orchestrator) {
		o.version = v
	}
}

func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		writer:  artifact.Write,
		version: version.String(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		l, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		o.log = l.Sugar()
	}
	o.log = o.log.Named("bootstrap")
	if o.reclaimer == nil {
		o.reclaimer = reclaim.New(o.log)
	}
	if o.provider == nil {
		o.provider = certs.NewSelfSignedProvider(o.log)
	}
	if o.launcher == nil {
		o.launcher = processLauncher{l: launch.New(o.log)}
	}
	return o, nil
}

type attempt struct {
	o     *Orchestrator
	log   *zap.SugaredLogger
	state State
}

func (a *attempt) transition(to State) {
	if !validTransition(a.state, to) {
		// a bug in Run, not a runtime condition
		panic(fmt.Sprintf("invalid bootstrap transition %s -> %s", a.state, to))
	}
	from := a.state
	a.state = to
	a.log.Infow("state transition", "From", from, "To", to)
	if a.o.observer != nil {
		a.o.observer(from, to)
	}
}

// fail moves to a failure state and builds the error returned to the caller.
func (a *attempt) fail(to State, fallback Kind, err error) error {
	a.transition(to)
	return &Error{State: to, Kind: classify(err, fallback), Err: err}
}

// Run performs one bootstrap attempt. On success the server keeps running detached and the artifact has been published.
// Failures are returned as *Error and are never retried.
func (o *Orchestrator) Run(ctx context.Context, req LaunchRequest) (*artifact.Artifact, error) {
	if err := req.Validate(); err != nil {
		return nil, &Error{State: StateInit, Kind: KindInvalidRequest, Err: err}
	}

	a := &attempt{
		o:     o,
		log:   o.log.With("Attempt", uuid.NewString(), "Port", req.Port),
		state: StateInit,
	}
	if o.observer != nil {
		o.observer("", StateInit)
	}

	a.transition(StateReclaiming)
	n := o.reclaimer.Reclaim(ctx, req.Port)
	a.log.Debugf("reclaimed %d stale servers", n)

	a.transition(StateCertGenerating)
	paths, err := o.provider.Issue(ctx, certs.IssueRequest{
		ClientCommonName:  req.ClientCommonName,
		ServerCommonName:  req.ServerCommonName,
		SigningConfigPath: req.SigningConfigPath,
		Dir:               req.CertDir,
		ValidityDays:      req.ValidityDays,
	})
	if err != nil {
		return nil, a.fail(StateCertGenFailed, KindCertificateIssuance, err)
	}
	bundle, err := certs.ReadBundle(ctx, paths)
	if err != nil {
		return nil, a.fail(StateCertGenFailed, KindCertificateIssuance, &certs.IssuanceError{Err: err})
	}

	a.transition(StateSpawning)
	exe := req.Executable
	if exe == "" {
		exe, err = os.Executable()
		if err != nil {
			return nil, a.fail(StateSpawnFailed, KindProcessSpawn, &launch.SpawnError{Err: fmt.Errorf("resolving own executable: %w", err)})
		}
	}
	child, err := o.launcher.Launch(ctx, launch.StartRequest{
		Executable:   exe,
		EntryPoint:   req.ServerEntryPoint,
		Port:         req.Port,
		Key:          bundle.ServerKeyPEM,
		Cert:         bundle.ServerCertPEM,
		CA:           bundle.CACertPEM,
		ServerParams: req.ServerParams,
	})
	if err != nil {
		return nil, a.fail(StateSpawnFailed, KindProcessSpawn, err)
	}

	a.transition(StateAwaitingReadiness)
	waitCtx := ctx
	if req.ReadinessTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, req.ReadinessTimeout)
		defer cancel()
	}
	port, err := child.WaitReady(waitCtx)
	if err != nil {
		// a child that never became ready is left to the next attempt's reclaimer
		child.Release()
		return nil, a.fail(StateHandshakeFailed, KindChannel, err)
	}
	a.log = a.log.With("PID", child.PID(), "BoundPort", port)

	a.transition(StatePublishingArtifact)
	art := artifact.Artifact{
		PID:      child.PID(),
		Version:  o.version,
		Hostname: req.ServerCommonName,
		Port:     port,
		CA:       string(bundle.CACertPEM),
		Cert:     string(bundle.ClientCertPEM),
		Key:      string(bundle.ClientKeyPEM),
		Success:  true,
	}
	err = o.writer(req.ArtifactPath, art)
	if err != nil {
		// the server may still be reachable, so it is released rather than killed
		child.Release()
		var writeErr *artifact.WriteError
		if !errors.As(err, &writeErr) {
			err = &artifact.WriteError{Path: req.ArtifactPath, Err: err}
		}
		return nil, a.fail(StatePublishFailed, KindArtifactWrite, err)
	}

	child.Release()
	a.transition(StateDetached)
	return &art, nil
}
