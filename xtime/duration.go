package xtime

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Units longer than an hour, which time.ParseDuration doesn't support.
var longUnits = map[byte]time.Duration{
	'd': 24 * time.Hour,
	'D': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
	'W': 7 * 24 * time.Hour,
}

// ParseDuration parses a duration string. A bare non-negative integer is
// interpreted as a number of seconds, which is how durations are usually
// passed via environment variables. Otherwise the value is a sequence of
// decimal numbers with units, where in addition to the units supported by
// time.ParseDuration, "d"="D" (day) and "w"="W" (week) are accepted.
// Examples: "604800", "7d", "1w2d", "1d12h30m", "90s".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("invalid duration '%s'", s)
	}

	if secs, err := strconv.ParseUint(s, 10, 32); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	var (
		total time.Duration
		rest  = s
	)
	for rest != "" {
		// Find the end of the leading number.
		i := 0
		for i < len(rest) && (rest[i] == '.' || (rest[i] >= '0' && rest[i] <= '9')) {
			i++
		}
		if i == 0 || i == len(rest) {
			return 0, fmt.Errorf("invalid duration '%s'", s)
		}

		if unit, ok := longUnits[rest[i]]; ok {
			n, err := strconv.ParseFloat(rest[:i], 64)
			if err != nil {
				return 0, fmt.Errorf("invalid duration '%s': %w", s, err)
			}
			total += time.Duration(n * float64(unit))
			rest = rest[i+1:]
			continue
		}

		// Hand over the component up to the next number to the standard parser.
		j := i
		for j < len(rest) && (rest[j] < '0' || rest[j] > '9') && rest[j] != '.' {
			j++
		}
		d, err := time.ParseDuration(rest[:j])
		if err != nil {
			return 0, fmt.Errorf("invalid duration '%s': %w", s, err)
		}
		total += d
		rest = rest[j:]
	}

	if total < 0 {
		return 0, fmt.Errorf("invalid duration '%s': must not be negative", s)
	}

	return total, nil
}

// FormatDuration formats a duration into a string with friendly units, down to
// second precision. Returns strings like "1w", "1w2d", "3d4h5m", "30s".
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}

	var sb strings.Builder
	for _, u := range []struct {
		suffix string
		size   time.Duration
	}{
		{"w", 7 * 24 * time.Hour},
		{"d", 24 * time.Hour},
		{"h", time.Hour},
		{"m", time.Minute},
		{"s", time.Second},
	} {
		if n := d / u.size; n > 0 {
			fmt.Fprintf(&sb, "%d%s", n, u.suffix)
			d -= n * u.size
		}
	}

	return sb.String()
}
