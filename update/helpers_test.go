package update

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.hackfix.me/geofence/app/config"
	"go.hackfix.me/geofence/firewall"
	"go.hackfix.me/geofence/firewall/mock"
	"go.hackfix.me/geofence/models"
)

// fakeClock advances only when waited on, so sleeps return immediately.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.October, 19, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// fakeFetcher serves country ranges from memory.
type fakeFetcher struct {
	mu      sync.Mutex
	ranges  map[models.CountryCode][]string
	errs    map[models.CountryCode]error
	fetched []models.CountryCode
}

func (f *fakeFetcher) Fetch(_ context.Context, cc models.CountryCode) ([]netip.Prefix, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, cc)
	if err := f.errs[cc]; err != nil {
		return nil, err
	}
	r, ok := f.ranges[cc]
	if !ok {
		return nil, fmt.Errorf("unexpected country '%s'", cc)
	}
	prefixes := make([]netip.Prefix, 0, len(r))
	for _, s := range r {
		prefixes = append(prefixes, netip.MustParsePrefix(s))
	}
	return prefixes, nil
}

type cyclerFunc func(ctx context.Context) (*Result, error)

func (f cyclerFunc) Run(ctx context.Context) (*Result, error) {
	return f(ctx)
}

type proberFunc func(ctx context.Context) error

func (f proberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

func testConfig(countries string) *config.Config {
	cfg := config.Default()
	cfg.Countries = countries
	return &cfg
}

func newTestOrchestrator(
	t *testing.T, cfg *config.Config, fetcher Fetcher, fw *mock.Mock,
) *Orchestrator {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	mgr, err := firewall.NewManager(fw, firewall.WithLogger(logger))
	require.NoError(t, err)

	return NewOrchestrator(cfg, fetcher, mgr, newFakeClock(), logger)
}

func newMockFirewall(containerHook bool) *mock.Mock {
	fw := mock.New()
	fw.ContainerHook = containerHook
	return fw
}
