package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/lmittmann/tint"
	"github.com/mandelsoft/vfs/pkg/vfs"

	actx "go.hackfix.me/geofence/app/context"
	ftypes "go.hackfix.me/geofence/firewall/types"
	"go.hackfix.me/geofence/models"
)

// Option is a function that allows configuring the application.
type Option func(*App)

// WithClock sets the source of time.
func WithClock(clock models.Clock) Option {
	return func(app *App) {
		app.ctx.Clock = clock
	}
}

// WithContext sets the main context. Cancelling it stops the application
// gracefully.
func WithContext(ctx context.Context) Option {
	return func(app *App) {
		app.ctx.Ctx = ctx
	}
}

// WithEnv sets the process environment used by the application.
func WithEnv(env actx.Environment) Option {
	return func(app *App) {
		app.ctx.Env = env
	}
}

// WithFDs sets the file descriptors used by the application.
func WithFDs(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(app *App) {
		app.ctx.Stdin = stdin
		app.ctx.Stdout = stdout
		app.ctx.Stderr = stderr
	}
}

// WithFirewall sets the firewall implementation used by the application,
// regardless of the one selected on the command line.
func WithFirewall(fw ftypes.Firewall) Option {
	return func(app *App) {
		app.ctx.Firewall = fw
	}
}

// WithFS sets the filesystem used by the application.
func WithFS(fs vfs.FileSystem) Option {
	return func(app *App) {
		app.ctx.FS = fs
	}
}

// WithHTTPTransport sets the transport used for requests to the registry.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(app *App) {
		app.ctx.HTTPTransport = rt
	}
}

// WithLogger initializes the logger used by the application. It writes
// human-friendly records to stderr, colored only if stderr is a terminal. The
// level is set later from the --log-level flag.
func WithLogger(isStderrTTY bool) Option {
	return func(app *App) {
		app.logLevel = &slog.LevelVar{}
		app.ctx.Logger = newLogger(app.ctx.Stderr, app.logLevel, !isStderrTTY)
		slog.SetDefault(app.ctx.Logger)
	}
}

func newLogger(w io.Writer, level slog.Leveler, noColor bool) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		NoColor:    noColor,
		TimeFormat: "2006-01-02 15:04:05.000",
	}))
}
