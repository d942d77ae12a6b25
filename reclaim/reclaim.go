// Package reclaim terminates servers left behind by earlier launches on the same port.
//
// Reclamation is advisory. Nothing here returns an error: a missing process, an unreadable process table or a failed kill are logged and ignored, and the caller proceeds. No lock is held between reclamation and the next server's bind, so a concurrent launcher can still race for the port.
package reclaim

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// EntryArg is the argv marker every launched server carries.
const EntryArg = "serve-entry"

// PortArg is the argv element identifying the port a launched server was asked to bind.
func PortArg(port int) string {
	return fmt.Sprintf("--port=%d", port)
}

// Process is one entry of a ProcessTable.
type Process interface {
	PID() int
	Cmdline(ctx context.Context) ([]string, error)
	Kill(ctx context.Context) error
}

// ProcessTable lists the processes visible to the reclaimer.
type ProcessTable interface {
	Processes(ctx context.Context) ([]Process, error)
}

type Reclaimer struct {
	Log   *zap.SugaredLogger
	Table ProcessTable
	// SelfPID is never killed.
	SelfPID int
}

func New(log *zap.SugaredLogger) *Reclaimer {
	return &Reclaimer{
		Log:     log.Named("reclaimer"),
		Table:   SystemTable{},
		SelfPID: os.Getpid(),
	}
}

// Reclaim kills every launched server whose argv names the given port, and returns how many it killed.
func (r *Reclaimer) Reclaim(ctx context.Context, port int) int {
	procs, err := r.Table.Processes(ctx)
	if err != nil {
		r.Log.Debugf("listing processes: %s", err)
		return 0
	}

	want := PortArg(port)
	killed := 0
	for _, p := range procs {
		if p.PID() == r.SelfPID {
			continue
		}
		args, err := p.Cmdline(ctx)
		if err != nil {
			// processes exit or become unreadable while we iterate
			continue
		}
		if !matches(args, want) {
			continue
		}
		err = p.Kill(ctx)
		if err != nil {
			r.Log.Debugw("unable to kill stale server", "PID", p.PID(), "Error", err)
			continue
		}
		r.Log.Infow("killed stale server", "PID", p.PID(), "Port", port)
		killed++
	}
	return killed
}

func matches(args []string, portArg string) bool {
	var entry, port bool
	for _, a := range args {
		switch a {
		case EntryArg:
			entry = true
		case portArg:
			port = true
		}
	}
	return entry && port
}
