package cli

import (
	"reflect"

	"github.com/alecthomas/kong"

	"go.hackfix.me/geofence/xtime"
)

// DurationMapper parses durations given either as a number of seconds, or in
// the format supported by xtime.ParseDuration.
type DurationMapper struct{}

var _ kong.Mapper = (*DurationMapper)(nil)

// Decode implements the kong.Mapper interface.
func (DurationMapper) Decode(kctx *kong.DecodeContext, target reflect.Value) error {
	var value string
	err := kctx.Scan.PopValueInto("duration", &value)
	if err != nil {
		return err
	}

	dur, err := xtime.ParseDuration(value)
	if err != nil {
		return err
	}

	target.Set(reflect.ValueOf(dur))

	return nil
}
