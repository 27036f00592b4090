package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/mandelsoft/vfs/pkg/memoryfs"

	actx "go.hackfix.me/geofence/app/context"
	"go.hackfix.me/geofence/cli"
	"go.hackfix.me/geofence/models"
)

// App is the application: the command line interface bound to the context
// shared by all commands.
type App struct {
	name string
	ctx  *actx.Context
	cli  *cli.CLI
	// logLevel is only set if the app was initialized with the WithLogger
	// option, in which case it follows the --log-level flag.
	logLevel *slog.LevelVar
}

// New initializes a new application. Without options, it runs against an
// in-memory filesystem, the default logger and the system clock.
func New(name string, opts ...Option) (*App, error) {
	app := &App{name: name, ctx: defaultContext()}
	for _, opt := range opts {
		opt(app)
	}

	// The marker lives in the XDG state directory unless set otherwise.
	markerFile := filepath.Join(xdg.StateHome, name, "last-success")
	version := fmt.Sprintf("%s %s", name, app.ctx.Version)

	c, err := cli.New(app.ctx, markerFile, version)
	if err != nil {
		return nil, err
	}
	app.cli = c

	return app, nil
}

func defaultContext() *actx.Context {
	return &actx.Context{
		Ctx:     context.Background(),
		FS:      memoryfs.New(),
		Logger:  slog.Default(),
		Clock:   models.SystemClock{},
		Version: actx.GetVersion(),
	}
}

// Run parses the command line arguments and executes the selected command.
func (app *App) Run(args []string) error {
	if err := app.cli.Parse(args); err != nil {
		return err
	}

	if app.logLevel != nil {
		app.logLevel.Set(app.cli.Log.Level)
	}

	app.ctx.Logger.Debug("executing command",
		"command", app.cli.Command(), "version", app.ctx.Version.String())

	return app.cli.Execute(app.ctx)
}
