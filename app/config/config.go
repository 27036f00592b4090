// Package config contains the runtime configuration of geofence, and its
// validation rules.
package config

import (
	"fmt"
	"time"

	aerrors "go.hackfix.me/geofence/app/errors"
	"go.hackfix.me/geofence/firewall"
	ftypes "go.hackfix.me/geofence/firewall/types"
	"go.hackfix.me/geofence/models"
	"go.hackfix.me/geofence/registry"
)

// Config represents the application configuration. It's populated from the
// command line and the environment.
type Config struct {
	// Countries is a comma separated list of ISO 3166-1 alpha-2 country codes,
	// in lowercase, whose networks are allowed.
	Countries string
	// SetName is the name of the live membership set.
	SetName string
	// Interval is the time between the start of two update cycles.
	Interval time.Duration

	FetchTimeout      time.Duration
	FetchRetries      uint
	FetchRetryDelay   time.Duration
	FetchRetryMaxTime time.Duration
	FetchMaxBytes     int64
	RegistryURL       string

	// MaxFailures is the number of consecutive failed cycles after which the
	// process gives up.
	MaxFailures uint

	SSHPort   uint16
	AllowICMP bool
	Firewall  ftypes.FirewallType

	// ProtectContainers enables filtering of traffic published by the
	// container runtime, if its filtering hook exists.
	ProtectContainers bool

	// MarkerFile is the path of the file where the time of the last successful
	// cycle is written.
	MarkerFile string

	ProbeAttempts uint
	ProbeDelay    time.Duration
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Countries:         "se",
		SetName:           "geofence_allowed",
		Interval:          7 * 24 * time.Hour,
		FetchTimeout:      registry.DefaultTimeout,
		FetchRetries:      registry.DefaultRetries,
		FetchRetryDelay:   registry.DefaultRetryDelay,
		FetchRetryMaxTime: registry.DefaultRetryMaxTime,
		FetchMaxBytes:     registry.DefaultMaxBytes,
		RegistryURL:       registry.DefaultBaseURL,
		MaxFailures:       3,
		SSHPort:           22,
		AllowICMP:         true,
		Firewall:          ftypes.FirewallNFTables,
		ProtectContainers: true,
		ProbeAttempts:     30,
		ProbeDelay:        10 * time.Second,
	}
}

// Validate checks that the configuration is usable. The returned error is of
// the aerrors.ErrConfig kind.
func (c *Config) Validate() error {
	if _, err := c.CountryCodes(); err != nil {
		return aerrors.New(aerrors.ErrConfig, "invalid allowed countries", err, "countries", c.Countries)
	}
	if err := firewall.ValidateSetName(c.SetName); err != nil {
		return aerrors.New(aerrors.ErrConfig, "invalid set name", err, "set", c.SetName)
	}

	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"update interval", c.Interval},
		{"fetch timeout", c.FetchTimeout},
		{"fetch retry delay", c.FetchRetryDelay},
		{"fetch retry max time", c.FetchRetryMaxTime},
		{"probe delay", c.ProbeDelay},
	} {
		if d.val <= 0 {
			return aerrors.New(aerrors.ErrConfig, fmt.Sprintf("invalid %s", d.name),
				fmt.Errorf("must be positive, got %s", d.val))
		}
	}

	if c.FetchMaxBytes <= 0 {
		return aerrors.New(aerrors.ErrConfig, "invalid fetch max bytes",
			fmt.Errorf("must be positive, got %d", c.FetchMaxBytes))
	}
	if c.MaxFailures == 0 {
		return aerrors.New(aerrors.ErrConfig, "invalid max consecutive failures",
			fmt.Errorf("must be at least 1"))
	}
	if c.ProbeAttempts == 0 {
		return aerrors.New(aerrors.ErrConfig, "invalid probe attempts",
			fmt.Errorf("must be at least 1"))
	}
	if c.SSHPort == 0 {
		return aerrors.New(aerrors.ErrConfig, "invalid SSH port", fmt.Errorf("must be between 1 and 65535"))
	}
	if _, err := ftypes.FirewallTypeFromString(string(c.Firewall)); err != nil {
		return aerrors.New(aerrors.ErrConfig, "invalid firewall", err)
	}
	if _, err := registry.New(c.RegistryOptions()...); err != nil {
		return aerrors.New(aerrors.ErrConfig, "invalid registry settings", err, "url", c.RegistryURL)
	}

	return nil
}

// CountryCodes returns the parsed list of allowed countries.
func (c *Config) CountryCodes() ([]models.CountryCode, error) {
	return models.ParseCountryList(c.Countries)
}

// Policy returns the firewall policy described by the configuration.
func (c *Config) Policy() firewall.Policy {
	return firewall.Policy{
		SetName:   c.SetName,
		SSHPort:   c.SSHPort,
		AllowICMP: c.AllowICMP,
	}
}

// FirewallOptions returns the firewall manager options described by the
// configuration.
func (c *Config) FirewallOptions() []firewall.Option {
	return []firewall.Option{firewall.WithContainerScope(c.ProtectContainers)}
}

// RegistryOptions returns the registry client options described by the
// configuration.
func (c *Config) RegistryOptions() []registry.Option {
	return []registry.Option{
		registry.WithBaseURL(c.RegistryURL),
		registry.WithTimeout(c.FetchTimeout),
		registry.WithMaxBytes(c.FetchMaxBytes),
		registry.WithRetries(uint64(c.FetchRetries)),
		registry.WithRetryDelay(c.FetchRetryDelay),
		registry.WithRetryMaxTime(c.FetchRetryMaxTime),
	}
}
