// Package identity provides the hierarchical component identifiers used to
// address every registered component in the orchestration runtime. An
// identity is a 3-part (namespace.group.name) or 4-part
// (domain.namespace.group.name) dot-joined key. Identities are immutable
// value types: construct them with New, NewQualified, or Parse and compare
// them directly with ==.
package identity

import (
	"fmt"
	"strings"
)

// DefaultPart is substituted for any empty identity part during
// normalization so every identity is fully qualified.
const DefaultPart = "default"

// Identity is the immutable hierarchical key for a registered component.
// The zero value is not a valid identity; use New, NewQualified, or Parse.
// Identities are comparable and can be used as map keys.
type Identity struct {
	domain    string
	namespace string
	group     string
	name      string
}

// New builds a 3-part identity from the given parts. Each part is
// normalized: lowercased, with whitespace, hyphens, and dots collapsed into
// underscores; empty parts become "default".
func New(namespace, group, name string) Identity {
	return Identity{
		namespace: Normalize(namespace),
		group:     Normalize(group),
		name:      Normalize(name),
	}
}

// NewQualified builds a 4-part, domain-qualified identity. Parts are
// normalized as in New.
func NewQualified(domain, namespace, group, name string) Identity {
	id := New(namespace, group, name)
	id.domain = Normalize(domain)
	return id
}

// Domain returns the normalized domain part, or "" for a 3-part identity.
func (id Identity) Domain() string { return id.domain }

// Namespace returns the normalized namespace part.
func (id Identity) Namespace() string { return id.namespace }

// Group returns the normalized group part.
func (id Identity) Group() string { return id.group }

// Name returns the normalized name part.
func (id Identity) Name() string { return id.name }

// IsZero reports whether the identity is the zero value.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// Qualified returns a copy of the identity with the given domain part.
func (id Identity) Qualified(domain string) Identity {
	id.domain = Normalize(domain)
	return id
}

// Unqualified returns a copy of the identity without a domain part.
func (id Identity) Unqualified() Identity {
	id.domain = ""
	return id
}

// String returns the dot-joined form used in logs, traces, and Parse.
func (id Identity) String() string {
	if id.domain == "" {
		return id.namespace + "." + id.group + "." + id.name
	}
	return id.domain + "." + id.namespace + "." + id.group + "." + id.name
}

// ParseError describes a malformed identity string.
type ParseError struct {
	// Input is the string that failed to parse.
	Input string
	// Reason explains what made the input invalid.
	Reason string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("identity: cannot parse %q: %s", e.Input, e.Reason)
}

// Parse converts a dot-joined identity string back into an Identity. The
// input must contain exactly 3 or 4 non-empty dot-separated parts; a 4-part
// input is treated as domain-qualified. Each part may contain letters,
// digits, underscores, hyphens, and spaces; anything else is rejected. Parts
// are normalized after validation, so Parse(id.String()) round-trips for
// every identity produced by this package.
func Parse(s string) (Identity, error) {
	parts := strings.Split(s, ".")
	if n := len(parts); n != 3 && n != 4 {
		return Identity{}, &ParseError{Input: s, Reason: fmt.Sprintf("expected 3 or 4 dot-separated parts, got %d", n)}
	}
	for _, p := range parts {
		if p == "" {
			return Identity{}, &ParseError{Input: s, Reason: "empty part"}
		}
		if !validPart(p) {
			return Identity{}, &ParseError{Input: s, Reason: fmt.Sprintf("illegal characters in part %q", p)}
		}
	}
	if len(parts) == 4 {
		return NewQualified(parts[0], parts[1], parts[2], parts[3]), nil
	}
	return New(parts[0], parts[1], parts[2]), nil
}

// MustParse is like Parse but panics on malformed input. Use only with
// compile-time constant identity strings.
func MustParse(s string) Identity {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Normalize canonicalizes a single identity part: the part is lowercased
// and every run of whitespace, hyphens, and dots collapses into a single
// underscore. An empty or all-separator part becomes DefaultPart.
func Normalize(part string) string {
	part = strings.ToLower(strings.TrimSpace(part))
	if part == "" {
		return DefaultPart
	}
	var b strings.Builder
	b.Grow(len(part))
	sep := false
	for _, r := range part {
		switch {
		case r == ' ' || r == '\t' || r == '-' || r == '.':
			sep = true
		default:
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return DefaultPart
	}
	return b.String()
}

// validPart reports whether a raw (pre-normalization) part contains only
// characters Parse accepts.
func validPart(p string) bool {
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == ' ':
		default:
			return false
		}
	}
	return true
}
