package app

import (
	"net/http"
	"testing"
	"time"

	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aerrors "go.hackfix.me/geofence/app/errors"
	ftypes "go.hackfix.me/geofence/firewall/types"
	"go.hackfix.me/geofence/update"
)

func TestAppUpdateIntegration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		args       []string
		env        map[string]string
		container  bool
		expErr     string
		expKind    error
		expEntries int
		expScopes  []ftypes.Scope
	}{
		{
			name:       "ok/default_country",
			args:       []string{"update"},
			expEntries: 2,
			expScopes:  []ftypes.Scope{ftypes.ScopeHost},
		},
		{
			name:       "ok/countries_from_env",
			args:       []string{"update"},
			env:        map[string]string{"ALLOWED_COUNTRIES": "se,no,aq"},
			container:  true,
			expEntries: 3,
			expScopes:  []ftypes.Scope{ftypes.ScopeHost, ftypes.ScopeContainer},
		},
		{
			name:       "ok/containers_not_protected",
			args:       []string{"update", "--no-protect-containers"},
			container:  true,
			expEntries: 2,
			expScopes:  []ftypes.Scope{ftypes.ScopeHost},
		},
		{
			name:       "ok/flag_overrides_env",
			args:       []string{"update", "--allowed-countries", "no"},
			env:        map[string]string{"ALLOWED_COUNTRIES": "xx"},
			expEntries: 2,
			expScopes:  []ftypes.Scope{ftypes.ScopeHost},
		},
		{
			name:    "err/uppercase_country",
			args:    []string{"update", "--allowed-countries", "SE"},
			expErr:  "invalid allowed countries",
			expKind: aerrors.ErrConfig,
		},
		{
			name:    "err/unknown_country",
			args:    []string{"update", "--allowed-countries", "se,zz"},
			expErr:  "failed fetching country ranges: unexpected status 404",
			expKind: aerrors.ErrFetch,
		},
		{
			name:    "err/invalid_zone",
			args:    []string{"update", "--allowed-countries", "xx"},
			expErr:  "rejected country ranges",
			expKind: aerrors.ErrValidation,
		},
		{
			name:    "err/empty",
			args:    []string{"update", "--allowed-countries", "aq"},
			expErr:  "no ranges fetched for any allowed country",
			expKind: aerrors.ErrEmptyResult,
		},
		{
			name:    "err/set_name_from_env",
			args:    []string{"update"},
			env:     map[string]string{"IPSET_NAME": "1bad"},
			expErr:  "invalid set name",
			expKind: aerrors.ErrConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := newTestContext(t, 10*time.Second)
			defer cancel()

			tapp := newTestApp(t, ctx)
			tapp.fw.ContainerHook = tt.container
			for k, v := range tt.env {
				require.NoError(t, tapp.env.Set(k, v))
			}

			err := tapp.Run(tt.args...)

			if tt.expErr != "" {
				require.Error(t, err)
				assert.ErrorContains(t, err, tt.expErr)
				assert.ErrorIs(t, err, tt.expKind)

				_, merr := update.NewMarker(tapp.fs, markerPath).Read()
				assert.True(t, vfs.IsErrNotExist(merr))
				return
			}

			require.NoError(t, err)

			tapp.fw.Lock()
			assert.Len(t, tapp.fw.Sets["geofence_allowed"], tt.expEntries)
			for _, scope := range tt.expScopes {
				assert.NotEmpty(t, tapp.fw.Chains[scope])
			}
			assert.Len(t, tapp.fw.Chains, len(tt.expScopes))
			tapp.fw.Unlock()

			ts, err := update.NewMarker(tapp.fs, markerPath).Read()
			require.NoError(t, err)
			assert.Equal(t, timeNow, ts)
		})
	}
}

func TestAppHealthcheckIntegration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		args      []string
		lastOK    time.Duration // age of the marker; 0 means no marker
		expStdout string
		expErr    string
	}{
		{
			name:      "ok/recent",
			args:      []string{"healthcheck"},
			lastOK:    24 * time.Hour,
			expStdout: "ok: last successful update 1d ago\n",
		},
		{
			name:      "ok/custom_interval",
			args:      []string{"healthcheck", "--update-interval", "1d"},
			lastOK:    47 * time.Hour,
			expStdout: "ok: last successful update 1d23h ago\n",
		},
		{
			name:   "err/stale",
			args:   []string{"healthcheck", "--max-age", "12h"},
			lastOK: 13 * time.Hour,
			expErr: "last successful update is too old",
		},
		{
			name:   "err/missing",
			args:   []string{"healthcheck"},
			expErr: "no successful update recorded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := newTestContext(t, 10*time.Second)
			defer cancel()

			tapp := newTestApp(t, ctx)
			if tt.lastOK > 0 {
				require.NoError(t, update.NewMarker(tapp.fs, markerPath).Touch(timeNow.Add(-tt.lastOK)))
			}

			err := tapp.Run(tt.args...)
			if tt.expErr != "" {
				require.Error(t, err)
				assert.ErrorContains(t, err, tt.expErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expStdout, tapp.stdout.String())
		})
	}
}

func TestAppStatusRemoveIntegration(t *testing.T) {
	t.Parallel()

	ctx, cancel := newTestContext(t, 10*time.Second)
	defer cancel()

	tapp := newTestApp(t, ctx)
	tapp.fw.ContainerHook = true

	err := tapp.Run("status")
	require.NoError(t, err)
	assert.Contains(t, tapp.stdout.String(), "absent")
	assert.Contains(t, tapp.stdout.String(), "never")
	assert.Contains(t, tapp.stdout.String(), "No rules installed.")

	err = tapp.Run("update", "--ssh-port", "2222", "--no-allow-icmp")
	require.NoError(t, err)

	err = tapp.Run("status")
	require.NoError(t, err)
	out := tapp.stdout.String()
	assert.Contains(t, out, "geofence_allowed")
	assert.Contains(t, out, "tcp dport 2222 accept")
	assert.Contains(t, out, "saddr not in geofence_allowed drop")
	assert.Contains(t, out, "container")
	assert.NotContains(t, out, "icmp")

	err = tapp.Run("remove")
	require.NoError(t, err)

	tapp.fw.Lock()
	defer tapp.fw.Unlock()
	assert.Empty(t, tapp.fw.Sets)
	assert.Empty(t, tapp.fw.Chains)
}

func TestAppRunIntegration(t *testing.T) {
	t.Parallel()

	t.Run("ok/graceful_shutdown", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := newTestContext(t, 10*time.Second)
		defer cancel()

		tapp := newTestApp(t, ctx)
		// Request shutdown while the second cycle is fetching.
		tapp.registry.OnFetch(func(n int32, _ http.ResponseWriter) bool {
			if n == 2 {
				cancel()
			}
			return false
		})

		err := tapp.Run("run")
		require.NoError(t, err)
		assert.Equal(t, int32(2), tapp.registry.fetches.Load())

		ts, err := update.NewMarker(tapp.fs, markerPath).Read()
		require.NoError(t, err)
		assert.Equal(t, timeNow, ts)

		tapp.fw.Lock()
		defer tapp.fw.Unlock()
		assert.Len(t, tapp.fw.Sets["geofence_allowed"], 2)
	})

	t.Run("err/too_many_failures", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := newTestContext(t, 10*time.Second)
		defer cancel()

		tapp := newTestApp(t, ctx)
		tapp.registry.OnFetch(func(_ int32, w http.ResponseWriter) bool {
			w.WriteHeader(http.StatusServiceUnavailable)
			return true
		})

		err := tapp.Run("run", "--max-consecutive-failures", "2")
		require.Error(t, err)
		assert.ErrorContains(t, err, "too many consecutive update failures")
		assert.ErrorIs(t, err, aerrors.ErrFatal)
		assert.ErrorIs(t, err, aerrors.ErrFetch)
		assert.Equal(t, int32(2), tapp.registry.fetches.Load())

		tapp.fw.Lock()
		defer tapp.fw.Unlock()
		assert.Empty(t, tapp.fw.Sets)
	})
}
