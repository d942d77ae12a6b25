package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/mtlsboot/bootstrap"
	"github.com/guseggert/mtlsboot/client"
	"github.com/guseggert/mtlsboot/launch"
	"github.com/guseggert/mtlsboot/reclaim"
	"github.com/guseggert/mtlsboot/server"
	"github.com/guseggert/mtlsboot/version"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func newLogger(ctx *cli.Context) (*zap.Logger, error) {
	if ctx.Bool("debug") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	app := &cli.App{
		Name:    "mtlsboot",
		Usage:   "start a detached mTLS server and publish the credentials to reach it",
		Version: version.String(),
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable development logging.",
			},
		},
		Commands: []*cli.Command{
			launchCommand,
			serveEntryCommand,
			statusCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func launchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "YAML file with launch settings. Flags override it.",
		},
		&cli.StringFlag{
			Name:  "client-cn",
			Usage: "Common name of the client certificate.",
		},
		&cli.StringFlag{
			Name:  "server-cn",
			Usage: "Common name of the server certificate, also the hostname clients connect to.",
			Value: "localhost",
		},
		&cli.StringFlag{
			Name:  "signing-config",
			Usage: "Optional YAML signing profile.",
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "Port for the server to bind. 0 picks an ephemeral port.",
		},
		&cli.IntFlag{
			Name:  "validity-days",
			Usage: "Validity of the issued certificates.",
			Value: 7,
		},
		&cli.StringFlag{
			Name:  "artifact",
			Usage: "Path of the JSON credential artifact to write.",
		},
		&cli.StringFlag{
			Name:  "cert-dir",
			Usage: "Directory for issued certificates. Defaults to $HOME/.certs.",
		},
		&cli.StringFlag{
			Name:  "server",
			Usage: fmt.Sprintf("Registered server to run. One of %v.", server.Names()),
			Value: server.HostdName,
		},
		&cli.StringFlag{
			Name:  "server-params",
			Usage: "JSON passed verbatim to the server.",
		},
		&cli.StringFlag{
			Name:  "executable",
			Usage: "Binary to start in serve-entry mode. Defaults to this binary.",
		},
		&cli.DurationFlag{
			Name:  "readiness-timeout",
			Usage: "How long to wait for the server to become ready. 0 waits indefinitely.",
		},
	}
}

var launchCommand = &cli.Command{
	Name:  "launch",
	Usage: "reclaim the port, issue certificates, start the server and write the artifact",
	Flags: launchFlags(),
	Action: func(ctx *cli.Context) error {
		req, err := buildRequest(ctx)
		if err != nil {
			return err
		}
		logger, err := newLogger(ctx)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()

		orch, err := bootstrap.New(bootstrap.WithLogger(logger))
		if err != nil {
			return err
		}
		a, err := orch.Run(ctx.Context, req)
		if err != nil {
			return err
		}
		logger.Sugar().Infow("server started", "PID", a.PID, "Port", a.Port, "Artifact", req.ArtifactPath)
		fmt.Fprintln(ctx.App.Writer, req.ArtifactPath)
		return nil
	},
}

// serveEntryCommand is what the launcher execs. Its argv is matched by the reclaimer, so the port flag stays even though the payload carries the port too.
var serveEntryCommand = &cli.Command{
	Name:   reclaim.EntryArg,
	Hidden: true,
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "port"},
	},
	Action: func(ctx *cli.Context) error {
		logger, err := newLogger(ctx)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()

		sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		ch, err := launch.OpenControlChannel()
		if err != nil {
			return err
		}
		entry := &server.Entry{
			Log:    logger.Sugar().Named("server"),
			Stdin:  os.Stdin,
			Notify: ch.NotifyReady,
		}
		return entry.Run(sigCtx)
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "heartbeat the server described by an artifact",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "artifact",
			Usage:    "Path of the JSON credential artifact.",
			Required: true,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for the server.",
			Value: 10 * time.Second,
		},
	},
	Action: func(ctx *cli.Context) error {
		logger, err := newLogger(ctx)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		defer logger.Sync()

		c, err := client.Load(logger.Sugar(), ctx.String("artifact"))
		if err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration("timeout"))
		defer cancel()
		err = c.WaitForServer(waitCtx)
		if err != nil {
			return fmt.Errorf("waiting for server: %w", err)
		}
		hb, err := c.SendHeartbeat(waitCtx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(ctx.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(hb)
	},
}
