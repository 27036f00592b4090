package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/mandelsoft/vfs/pkg/memoryfs"
	"github.com/mandelsoft/vfs/pkg/vfs"

	actx "go.hackfix.me/geofence/app/context"
	"go.hackfix.me/geofence/firewall/mock"
)

var timeNow = time.Date(2026, time.October, 19, 8, 0, 0, 0, time.UTC)

// markerPath is the default location of the liveness marker.
var markerPath = filepath.Join(xdg.StateHome, "geofence", "last-success")

// zones are the zone files served by the test registry.
var zones = map[string]string{
	"se": "2.64.0.0/13\n5.150.192.0/18\n",
	"no": "2.148.0.0/14\n2.64.0.0/16\n",
	"aq": "",
	"xx": "2.64.0.0/13\nnot-a-cidr\n",
}

// testClock is a clock whose time doesn't pass, and whose timers fire
// immediately.
type testClock struct{}

func (testClock) Now() time.Time {
	return timeNow
}

func (testClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- timeNow
	return ch
}

type testApp struct {
	*App
	stdout, stderr *safeBuffer
	env            *mockEnv
	fs             vfs.FileSystem
	fw             *mock.Mock
	registry       *testRegistry
}

func newTestApp(t *testing.T, ctx context.Context) *testApp {
	t.Helper()

	reg := newTestRegistry(t)
	var (
		stdout, stderr = newSafeBuffer(), newSafeBuffer()
		env            = &mockEnv{env: map[string]string{}}
		fs             = memoryfs.New()
		fw             = mock.New()
	)

	opts := []Option{
		WithClock(testClock{}),
		WithEnv(env),
		WithContext(ctx),
		WithFDs(&bytes.Buffer{}, stdout, stderr),
		WithFS(fs),
		WithFirewall(fw),
		WithHTTPTransport(reg.srv.Client().Transport),
		WithLogger(false),
	}
	app, err := New("geofence", opts...)
	if err != nil {
		t.Fatal(err)
	}

	return &testApp{
		App: app, stdout: stdout, stderr: stderr, env: env,
		fs: fs, fw: fw, registry: reg,
	}
}

// Run runs the app against the test registry.
func (ta *testApp) Run(args ...string) error {
	args = append(args, "--registry-url", ta.registry.srv.URL, "--fetch-retries", "0")
	return ta.App.Run(args)
}

// testRegistry serves the zones, and calls onFetch before serving a zone
// file.
type testRegistry struct {
	srv     *httptest.Server
	fetches atomic.Int32
	mu      sync.Mutex
	onFetch func(n int32, w http.ResponseWriter) bool
}

func newTestRegistry(t *testing.T) *testRegistry {
	t.Helper()

	reg := &testRegistry{}
	reg.srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cc, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/"), "-aggregated.zone")
		if !ok {
			w.WriteHeader(http.StatusOK)
			return
		}

		n := reg.fetches.Add(1)
		reg.mu.Lock()
		onFetch := reg.onFetch
		reg.mu.Unlock()
		if onFetch != nil && onFetch(n, w) {
			return
		}

		zone, ok := zones[cc]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, zone)
	}))
	t.Cleanup(reg.srv.Close)

	return reg
}

func (r *testRegistry) OnFetch(fn func(n int32, w http.ResponseWriter) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFetch = fn
}

type mockEnv struct {
	mx  sync.RWMutex
	env map[string]string
}

var _ actx.Environment = (*mockEnv)(nil)

func (me *mockEnv) Get(key string) string {
	me.mx.RLock()
	defer me.mx.RUnlock()
	return me.env[key]
}

func (me *mockEnv) Set(key, val string) error {
	me.mx.Lock()
	defer me.mx.Unlock()
	me.env[key] = val
	return nil
}

// newTestContext returns a context that times out after timeout.
func newTestContext(t *testing.T, timeout time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(t.Context(), timeout)
}

// safeBuffer is a thread-safe buffer.
type safeBuffer struct {
	mx  sync.RWMutex
	buf *bytes.Buffer
}

var _ io.Writer = (*safeBuffer)(nil)

func newSafeBuffer() *safeBuffer {
	return &safeBuffer{buf: &bytes.Buffer{}}
}

func (b *safeBuffer) Write(p []byte) (n int, err error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.buf.String()
}
