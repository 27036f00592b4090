// Package context contains the application context passed to every command.
//
// It's separate from the app package so that cli can depend on it without an
// import cycle.
package context
