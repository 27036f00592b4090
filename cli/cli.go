package cli

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"go.hackfix.me/geofence/app/config"
	actx "go.hackfix.me/geofence/app/context"
	ftypes "go.hackfix.me/geofence/firewall/types"
	"go.hackfix.me/geofence/registry"
)

// CLI is the command line interface of geofence.
type CLI struct {
	Run         Run         `kong:"cmd,help='Keep the country allow list up to date until stopped.'"`
	Update      Update      `kong:"cmd,help='Run a single update cycle.'"`
	Healthcheck Healthcheck `kong:"cmd,help='Check that the last successful update is recent enough.'"`
	Status      Status      `kong:"cmd,help='Show the membership set and installed rules.'"`
	Remove      Remove      `kong:"cmd,help='Remove all rules and sets created by geofence.'"`

	Options Options `embed:""`

	Log struct {
		Level slog.Level `enum:"DEBUG,INFO,WARN,ERROR" default:"INFO" help:"Set the app logging level."`
	} `embed:"" prefix:"log-"`
	Version kong.VersionFlag `kong:"help='Output version and exit.'"`

	kong *kong.Kong
	kctx *kong.Context
}

// Options are the settings shared by all commands.
//
//nolint:lll // Long struct tags are unavoidable.
type Options struct {
	AllowedCountries string        `name:"allowed-countries" env:"ALLOWED_COUNTRIES" default:"se" help:"Comma separated list of lowercase ISO 3166-1 alpha-2 codes of the countries whose networks are allowed."`
	SetName          string        `name:"set-name" env:"IPSET_NAME" default:"geofence_allowed" help:"Name of the membership set."`
	UpdateInterval   time.Duration `name:"update-interval" type:"duration" env:"UPDATE_INTERVAL" default:"604800" help:"Time between update cycles. A plain number is a number of seconds. \n Examples: 86400, 12h, 7d, 1w"`

	FetchTimeout      time.Duration `name:"fetch-timeout" type:"duration" env:"FETCH_TIMEOUT" default:"30" help:"Time limit of a single registry request."`
	FetchRetries      uint          `name:"fetch-retries" env:"FETCH_RETRIES" default:"3" help:"Number of retries of a registry request after a transient failure."`
	FetchRetryDelay   time.Duration `name:"fetch-retry-delay" type:"duration" env:"FETCH_RETRY_DELAY" default:"5" help:"Delay between registry request attempts."`
	FetchRetryMaxTime time.Duration `name:"fetch-retry-max-time" type:"duration" env:"FETCH_RETRY_MAX_TIME" default:"120" help:"Maximum total time spent retrying a registry request."`
	FetchMaxBytes     int64         `name:"fetch-max-bytes" env:"FETCH_MAX_BYTES" default:"8388608" help:"Maximum size of a country zone file."`
	RegistryURL       string        `name:"registry-url" env:"REGISTRY_URL" default:"${registryURL}" help:"HTTPS URL of the directory containing the country zone files."`

	MaxConsecutiveFailures uint `name:"max-consecutive-failures" env:"MAX_CONSECUTIVE_FAILURES" default:"3" help:"Number of consecutive failed update cycles after which geofence exits."`

	SSHPort   uint16              `name:"ssh-port" env:"SSH_PORT" default:"22" help:"TCP port that is always allowed, to avoid locking out remote administration."`
	AllowICMP bool                `name:"allow-icmp" env:"ALLOW_ICMP" default:"true" negatable:"" help:"Always allow ICMP traffic."`
	Firewall  ftypes.FirewallType `name:"firewall" env:"FIREWALL" default:"nftables" enum:"nftables,iptables" help:"Firewall implementation. Valid values: ${enum}"`

	ProtectContainers bool `name:"protect-containers" env:"PROTECT_CONTAINERS" default:"true" negatable:"" help:"Also filter traffic to ports published by the container runtime, if its DOCKER-USER hook exists."`

	MarkerFile    string        `name:"marker-file" env:"MARKER_FILE" default:"${markerFile}" help:"File where the time of the last successful update is written."`
	ProbeAttempts uint          `name:"probe-attempts" env:"PROBE_ATTEMPTS" default:"30" help:"Number of attempts to reach the registry at startup."`
	ProbeDelay    time.Duration `name:"probe-delay" type:"duration" env:"PROBE_DELAY" default:"10" help:"Delay between startup registry probes."`
}

// New initializes the command-line interface.
func New(appCtx *actx.Context, markerFile, version string) (*CLI, error) {
	c := &CLI{}
	opts := []kong.Option{
		kong.Name("geofence"),
		kong.Description("Allow inbound IPv4 traffic only from the networks of selected countries."),
		kong.UsageOnError(),
		kong.DefaultEnvars("GEOFENCE"),
		kong.NamedMapper("duration", DurationMapper{}),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			Summary:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"markerFile":  markerFile,
			"registryURL": registry.DefaultBaseURL,
			"version":     version,
		},
	}
	if appCtx.Env != nil {
		opts = append(opts, kong.Resolvers(envResolver(appCtx.Env)))
	}

	kparser, err := kong.New(c, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed creating the Kong parser: %w", err)
	}

	c.kong = kparser

	return c, nil
}

// Execute starts the command execution. Parse must be called before this method.
func (c *CLI) Execute(appCtx *actx.Context) error {
	if c.kctx == nil {
		panic("the CLI wasn't initialized properly")
	}
	c.kong.Stdout = appCtx.Stdout
	c.kong.Stderr = appCtx.Stderr

	cfg := c.Options.Config()

	//nolint:wrapcheck // This is fine.
	return c.kctx.Run(appCtx, &cfg)
}

// Parse the given command line arguments. This method must be called before
// Execute.
func (c *CLI) Parse(args []string) error {
	kctx, err := c.kong.Parse(args)
	if err != nil {
		return fmt.Errorf("failed parsing CLI arguments: %w", err)
	}
	c.kctx = kctx

	return nil
}

// Command returns the full path of the executed command.
func (c *CLI) Command() string {
	if c.kctx == nil {
		panic("the CLI wasn't initialized properly")
	}
	cmdPath := []string{}
	for _, p := range c.kctx.Path {
		if p.Command != nil {
			cmdPath = append(cmdPath, p.Command.Name)
		}
	}

	return strings.Join(cmdPath, " ")
}

// Config returns the application configuration described by the options.
func (o Options) Config() config.Config {
	return config.Config{
		Countries:         o.AllowedCountries,
		SetName:           o.SetName,
		Interval:          o.UpdateInterval,
		FetchTimeout:      o.FetchTimeout,
		FetchRetries:      o.FetchRetries,
		FetchRetryDelay:   o.FetchRetryDelay,
		FetchRetryMaxTime: o.FetchRetryMaxTime,
		FetchMaxBytes:     o.FetchMaxBytes,
		RegistryURL:       o.RegistryURL,
		MaxFailures:       o.MaxConsecutiveFailures,
		SSHPort:           o.SSHPort,
		AllowICMP:         o.AllowICMP,
		Firewall:          o.Firewall,
		ProtectContainers: o.ProtectContainers,
		MarkerFile:        o.MarkerFile,
		ProbeAttempts:     o.ProbeAttempts,
		ProbeDelay:        o.ProbeDelay,
	}
}

// envResolver resolves flag values from the application environment, so that
// it can be replaced in tests.
func envResolver(env actx.Environment) kong.ResolverFunc {
	return func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		for _, name := range flag.Envs {
			if val := env.Get(name); val != "" {
				return val, nil
			}
		}
		return nil, nil //nolint:nilnil // No value is not an error.
	}
}
