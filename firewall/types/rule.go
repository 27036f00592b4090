package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Scope is the traffic path a rule chain applies to.
type Scope string

// All supported scopes.
const (
	// ScopeHost is traffic destined to the host itself.
	ScopeHost Scope = "host"
	// ScopeContainer is traffic forwarded to containers, through the container
	// runtime's filtering hook.
	ScopeContainer Scope = "container"
)

// Match is the packet predicate of a rule.
type Match string

// All supported matches.
const (
	MatchEstablished Match = "established"
	MatchLoopback    Match = "loopback"
	MatchTCPPort     Match = "tcp-port"
	MatchICMP        Match = "icmp"
	MatchNotInSet    Match = "not-in-set"
)

// Verdict is the decision taken when a rule matches.
type Verdict string

// All supported verdicts.
const (
	// VerdictAccept stops evaluation of the geofence chain, leaving the
	// decision to the normal firewall policy.
	VerdictAccept Verdict = "accept"
	VerdictDrop   Verdict = "drop"
)

// TagPrefix is the prefix of the identifying tag attached to every rule
// installed by geofence.
const TagPrefix = "geofence:"

// Rule is a typed representation of a firewall rule. Two rules are the same
// rule if and only if they are equal structs, regardless of how the backend
// renders them.
type Rule struct {
	Scope   Scope
	Match   Match
	Port    uint16 // only for MatchTCPPort
	Set     string // only for MatchNotInSet
	Verdict Verdict
}

// Equal reports whether r and o are structurally the same rule.
func (r Rule) Equal(o Rule) bool {
	return r == o
}

// String implements the fmt.Stringer interface.
func (r Rule) String() string {
	return fmt.Sprintf("%s/%s", r.Scope, strings.TrimPrefix(r.Tag(), TagPrefix))
}

// Tag returns a stable identifier of the rule, excluding its scope, which is
// implied by the chain it's installed in. Backends store it alongside the rule
// (as a comment or user data), and decode it with ParseRuleTag.
func (r Rule) Tag() string {
	var arg string
	switch r.Match {
	case MatchTCPPort:
		arg = strconv.FormatUint(uint64(r.Port), 10)
	case MatchNotInSet:
		arg = r.Set
	}
	return fmt.Sprintf("%s%s:%s:%s", TagPrefix, r.Match, arg, r.Verdict)
}

// Validate checks that the rule is well formed.
func (r Rule) Validate() error {
	switch r.Scope {
	case ScopeHost, ScopeContainer:
	default:
		return fmt.Errorf("invalid rule scope '%s'", r.Scope)
	}

	switch r.Verdict {
	case VerdictAccept, VerdictDrop:
	default:
		return fmt.Errorf("invalid rule verdict '%s'", r.Verdict)
	}

	switch r.Match {
	case MatchEstablished, MatchLoopback, MatchICMP:
		if r.Port != 0 || r.Set != "" {
			return fmt.Errorf("rule match '%s' takes no argument", r.Match)
		}
	case MatchTCPPort:
		if r.Port == 0 || r.Set != "" {
			return fmt.Errorf("rule match '%s' requires a non-zero port", r.Match)
		}
	case MatchNotInSet:
		if r.Set == "" || r.Port != 0 {
			return fmt.Errorf("rule match '%s' requires a set name", r.Match)
		}
	default:
		return fmt.Errorf("invalid rule match '%s'", r.Match)
	}

	return nil
}

// ParseRuleTag decodes a tag created by Rule.Tag into a rule of the given
// scope. It returns an error if the tag wasn't created by geofence, or is
// malformed.
func ParseRuleTag(scope Scope, tag string) (Rule, error) {
	body, ok := strings.CutPrefix(tag, TagPrefix)
	if !ok {
		return Rule{}, fmt.Errorf("not a geofence rule tag: '%s'", tag)
	}

	parts := strings.Split(body, ":")
	if len(parts) != 3 {
		return Rule{}, fmt.Errorf("malformed rule tag: '%s'", tag)
	}

	r := Rule{
		Scope:   scope,
		Match:   Match(parts[0]),
		Verdict: Verdict(parts[2]),
	}
	switch r.Match {
	case MatchTCPPort:
		port, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return Rule{}, fmt.Errorf("malformed rule tag: '%s': %w", tag, err)
		}
		r.Port = uint16(port)
	case MatchNotInSet:
		r.Set = parts[1]
	default:
		if parts[1] != "" {
			return Rule{}, fmt.Errorf("malformed rule tag: '%s'", tag)
		}
	}

	if err := r.Validate(); err != nil {
		return Rule{}, fmt.Errorf("malformed rule tag: '%s': %w", tag, err)
	}

	return r, nil
}

// IsTag reports whether s looks like a geofence rule tag.
func IsTag(s string) bool {
	return strings.HasPrefix(s, TagPrefix)
}
