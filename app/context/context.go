package context

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/mandelsoft/vfs/pkg/vfs"

	ftypes "go.hackfix.me/geofence/firewall/types"
	"go.hackfix.me/geofence/models"
)

// Environment is the interface to the process environment. Flag values are
// also resolved from it, using the env names of the CLI flags.
type Environment interface {
	Get(string) string
	Set(string, string) error
}

// Context contains common objects used by the application. It is passed around
// the application to avoid direct dependencies on external systems, and make
// testing easier.
type Context struct {
	Ctx    context.Context // global context
	FS     vfs.FileSystem  // filesystem
	Env    Environment     // process environment
	Logger *slog.Logger    // global logger
	Clock  models.Clock

	// Standard streams
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Firewall, if set, is used instead of the implementation selected via
	// the CLI.
	Firewall ftypes.Firewall
	// HTTPTransport, if set, is used for requests to the registry.
	HTTPTransport http.RoundTripper

	// Metadata
	Version *VersionInfo
}
