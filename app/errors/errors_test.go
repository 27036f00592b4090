package errors

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := New(ErrFetch, "failed fetching ranges", cause, "country", "se")

	assert.Equal(t, "failed fetching ranges: connection reset", err.Error())
	assert.Equal(t, "failed fetching ranges", err.Message())
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, ErrFetch, err.Kind())
	assert.Equal(t, map[string]any{"country": "se"}, err.Metadata())

	wrapped := fmt.Errorf("cycle failed: %w", err)
	assert.Equal(t, ErrFetch, KindOf(wrapped))
	assert.Nil(t, KindOf(errors.New("plain")))

	fatal := New(ErrFatal, "too many failures", err)
	assert.Equal(t, ErrFatal, KindOf(fatal))
	assert.ErrorIs(t, fatal, ErrFetch)
	assert.Equal(t, ErrFetch, KindOf(fmt.Errorf("wrapped: %w", errors.Join(errors.New("x"), err))))
}

func TestWithMergesMetadata(t *testing.T) {
	t.Parallel()

	err := New(ErrSetBuild, "swap failed", nil, "set", "geo", "entries", 1)
	merged := With(err, "entries", 2, "working_set", "geo_tmp")

	assert.ErrorIs(t, merged, ErrSetBuild)
	assert.Equal(t, map[string]any{
		"set": "geo", "entries": 2, "working_set": "geo_tmp",
	}, merged.Metadata())

	assert.Panics(t, func() { _ = With(err, "odd") })
	assert.Panics(t, func() { _ = With(err, 1, 2) })
}

func TestLog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		expOut []string
	}{
		{
			name:   "ok/plain",
			err:    errors.New("boom"),
			expOut: []string{`msg=boom`},
		},
		{
			name: "ok/structured",
			err:  New(ErrValidation, "invalid range", errors.New("bad line"), "line", 3, "country", "se"),
			expOut: []string{
				`msg="invalid range"`, `kind="validation error"`, `cause="bad line"`,
				`country=se`, `line=3`,
			},
		},
		{
			name: "ok/wrapped_structured",
			err:  fmt.Errorf("cycle failed: %w", NewWith("no ranges", "countries", 2)),
			expOut: []string{
				`msg="cycle failed: no ranges"`, `countries=2`,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			Log(logger, tt.err)

			out := buf.String()
			require.NotEmpty(t, out)
			for _, exp := range tt.expOut {
				assert.Contains(t, out, exp)
			}
		})
	}
}
