package registry

import (
	"bufio"
	"bytes"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

var cidrRx = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}/\d{1,2}$`)

// LineError is returned when a line of a zone file isn't a valid IPv4 prefix.
type LineError struct {
	Line int
	Text string
	Err  error
}

// Error implements the error interface.
func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: invalid IPv4 prefix '%s': %s", e.Line, e.Text, e.Err)
}

// Unwrap returns the underlying error.
func (e *LineError) Unwrap() error {
	return e.Err
}

// ParseRanges parses a zone file with one IPv4 prefix per line. Blank lines
// are ignored. Any other line that isn't a valid prefix rejects the whole
// file. Host bits of the prefixes are cleared.
func ParseRanges(data []byte) ([]netip.Prefix, error) {
	var (
		prefixes = []netip.Prefix{}
		sc       = bufio.NewScanner(bytes.NewReader(data))
		lineNum  int
	)
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		if !cidrRx.MatchString(line) {
			return nil, &LineError{Line: lineNum, Text: line, Err: fmt.Errorf("not in a.b.c.d/n notation")}
		}
		p, err := netip.ParsePrefix(line)
		if err != nil {
			return nil, &LineError{Line: lineNum, Text: line, Err: err}
		}
		if !p.Addr().Is4() {
			return nil, &LineError{Line: lineNum, Text: line, Err: fmt.Errorf("not an IPv4 prefix")}
		}

		prefixes = append(prefixes, p.Masked())
	}
	if err := sc.Err(); err != nil {
		return nil, &LineError{Line: lineNum + 1, Err: err}
	}

	return prefixes, nil
}
