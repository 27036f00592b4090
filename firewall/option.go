package firewall

import (
	"log/slog"
)

// Option is a function that allows configuring the Manager.
type Option func(*Manager) error

// WithContainerScope sets whether traffic published by the container runtime
// is protected, when the runtime's filtering hook exists. If disabled, only the
// host scope is reconciled.
func WithContainerScope(enabled bool) Option {
	return func(m *Manager) error {
		m.containers = enabled
		return nil
	}
}

// WithLogger sets the logger used by the Manager. Records are tagged with the
// firewall component.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) error {
		m.logger = logger.With("component", "firewall")
		return nil
	}
}

// DefaultOptions returns the default Manager options: container traffic is
// protected, and logs go to the default logger.
func DefaultOptions() []Option {
	return []Option{
		WithContainerScope(true),
		WithLogger(slog.Default()),
	}
}
