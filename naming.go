package agentbus

import "strings"

// Channel name and pattern grammar.
const (
	// Separator delimits channel name segments.
	Separator = "."
	// SingleWildcard matches exactly one segment in a pattern.
	SingleWildcard = "*"
	// MultiWildcard matches zero or more trailing segments in a pattern.
	MultiWildcard = "#"

	// NamePrefix is the mandatory first segment of every channel name.
	NamePrefix = "agents"
	// BroadcastSegment is the second segment of broadcast channel names.
	BroadcastSegment = "broadcast"
	// DeadLetterSuffix is appended to a channel name to form its DLQ.
	DeadLetterSuffix = ".dlq"

	// SenderPrefix is the mandatory prefix of sender identifiers.
	SenderPrefix = "ossa://agents/"
)

// validSegment reports whether s is a non-empty lowercase
// alphanumeric/hyphen segment.
func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
			continue
		}
		return false
	}
	return true
}

// ValidateChannelName checks a concrete (wildcard-free) channel name against
// the common grammar: "agents." prefix, at least three dot-delimited
// lowercase alphanumeric/hyphen segments. Type-specific shape is checked by
// Channel.Validate.
func ValidateChannelName(name string) error {
	segs := strings.Split(name, Separator)
	if len(segs) < 3 {
		return validationErr("channel name", "%q: want at least 3 segments", name)
	}
	if segs[0] != NamePrefix {
		return validationErr("channel name", "%q: must start with %q", name, NamePrefix+Separator)
	}
	for _, s := range segs {
		if !validSegment(s) {
			return validationErr("channel name", "%q: bad segment %q", name, s)
		}
	}
	return nil
}

// ValidatePattern checks a subscription or query pattern: dot-delimited
// segments that are each a literal, "*", or a trailing "#".
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return validationErr("pattern", "empty")
	}
	segs := strings.Split(pattern, Separator)
	if segs[0] != NamePrefix && segs[0] != SingleWildcard && segs[0] != MultiWildcard {
		return validationErr("pattern", "%q: must start with %q or a wildcard", pattern, NamePrefix+Separator)
	}
	for i, s := range segs {
		switch s {
		case MultiWildcard:
			if i != len(segs)-1 {
				return validationErr("pattern", "%q: %q must be the last segment", pattern, MultiWildcard)
			}
		case SingleWildcard:
		default:
			if !validSegment(s) {
				return validationErr("pattern", "%q: bad segment %q", pattern, s)
			}
		}
	}
	return nil
}

// ValidateSender checks a sender identifier of the form
// "ossa://agents/{agent-id}".
func ValidateSender(sender string) error {
	id, ok := strings.CutPrefix(sender, SenderPrefix)
	if !ok {
		return validationErr("sender", "%q: must start with %q", sender, SenderPrefix)
	}
	if !validSegment(id) {
		return validationErr("sender", "%q: bad agent id %q", sender, id)
	}
	return nil
}

// MatchPattern reports whether a concrete channel name matches a pattern.
// "*" consumes exactly one segment; "#" consumes zero or more trailing
// segments. The match is anchored at both ends.
func MatchPattern(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	if pattern == name {
		return true
	}

	pp := strings.Split(pattern, Separator)
	np := strings.Split(name, Separator)

	pi, ni := 0, 0
	for pi < len(pp) {
		switch pp[pi] {
		case MultiWildcard:
			return pi == len(pp)-1
		case SingleWildcard:
			if ni >= len(np) {
				return false
			}
			pi++
			ni++
		default:
			if ni >= len(np) || pp[pi] != np[ni] {
				return false
			}
			pi++
			ni++
		}
	}
	return ni == len(np)
}

// DeadLetterName returns the dead-letter channel name for channel.
func DeadLetterName(channel string) string {
	return channel + DeadLetterSuffix
}

// IsDeadLetterName reports whether channel is itself a dead-letter channel.
func IsDeadLetterName(channel string) bool {
	return strings.HasSuffix(channel, DeadLetterSuffix)
}
