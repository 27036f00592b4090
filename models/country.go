package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var countryCodeRx = regexp.MustCompile(`^[a-z]{2}$`)

// CountryCode is a lowercase ISO 3166-1 alpha-2 country code, as used by the
// IP range registry.
type CountryCode string

// ParseCountryCode returns a valid CountryCode for the given string, or an
// error if the value doesn't consist of exactly two lowercase letters.
func ParseCountryCode(val string) (CountryCode, error) {
	if !countryCodeRx.MatchString(val) {
		return "", fmt.Errorf("invalid country code '%s': must be two lowercase letters", val)
	}
	return CountryCode(val), nil
}

// ParseCountryList parses a comma-separated list of country codes. Surrounding
// whitespace and empty items are ignored, but at least one code is required,
// and duplicates are rejected.
func ParseCountryList(csv string) ([]CountryCode, error) {
	var (
		codes = []CountryCode{}
		seen  = map[CountryCode]struct{}{}
	)
	for item := range strings.SplitSeq(csv, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		cc, err := ParseCountryCode(item)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[cc]; ok {
			return nil, fmt.Errorf("duplicate country code '%s'", cc)
		}
		seen[cc] = struct{}{}
		codes = append(codes, cc)
	}

	if len(codes) == 0 {
		return nil, errors.New("no country codes specified")
	}

	return codes, nil
}
