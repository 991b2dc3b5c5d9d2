package wamp

import "strings"

// URI is a dotted-segment WAMP identifier, e.g. "io.x.echo".
type URI string

// MatchMode selects how a registered or subscribed URI pattern is matched
// against an incoming URI.
type MatchMode string

// URI match modes.
const (
	MatchExact    MatchMode = "exact"
	MatchPrefix   MatchMode = "prefix"
	MatchWildcard MatchMode = "wildcard"
)

// ParseMatchMode reads a match option value, defaulting to exact.
func ParseMatchMode(v any) (MatchMode, bool) {
	s, _ := AsString(v)
	switch MatchMode(s) {
	case "":
		return MatchExact, true
	case MatchExact, MatchPrefix, MatchWildcard:
		return MatchMode(s), true
	}
	return "", false
}

// Valid reports whether the URI is a strict URI: one or more non-empty
// segments containing neither whitespace nor '#'.
func (u URI) Valid() bool {
	return u.validate(false)
}

// ValidPattern reports whether the URI is usable as a pattern under the
// given match mode. Wildcard patterns may contain empty segments, which
// match any single segment.
func (u URI) ValidPattern(mode MatchMode) bool {
	return u.validate(mode == MatchWildcard)
}

func (u URI) validate(allowEmptySegments bool) bool {
	if u == "" {
		return false
	}
	for _, seg := range strings.Split(string(u), ".") {
		if seg == "" {
			if !allowEmptySegments {
				return false
			}
			continue
		}
		if strings.ContainsAny(seg, " \t\n\r#") {
			return false
		}
	}
	return true
}

// PrefixMatch reports whether uri falls under the prefix pattern. The
// pattern matches itself and any URI extending it at a segment boundary:
// pattern "com.x" matches "com.x" and "com.x.y" but not "com.xy".
func PrefixMatch(pattern, uri URI) bool {
	if pattern == uri {
		return true
	}
	return strings.HasPrefix(string(uri), string(pattern)+".")
}

// WildcardMatch reports whether uri matches the wildcard pattern: both must
// have the same number of segments and every non-empty pattern segment must
// equal the corresponding URI segment.
func WildcardMatch(pattern, uri URI) bool {
	ps := strings.Split(string(pattern), ".")
	us := strings.Split(string(uri), ".")
	if len(ps) != len(us) {
		return false
	}
	for i, seg := range ps {
		if seg != "" && seg != us[i] {
			return false
		}
	}
	return true
}

// Matches reports whether uri matches pattern under the given mode.
func Matches(pattern, uri URI, mode MatchMode) bool {
	switch mode {
	case MatchPrefix:
		return PrefixMatch(pattern, uri)
	case MatchWildcard:
		return WildcardMatch(pattern, uri)
	default:
		return pattern == uri
	}
}
