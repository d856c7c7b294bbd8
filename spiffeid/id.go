// Package spiffeid provides the SPIFFE ID and trust domain value types used
// throughout the library. Both are pure, immutable values that are safe to
// copy and share between goroutines.
package spiffeid

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidID is wrapped by every SPIFFE ID parsing failure.
var ErrInvalidID = errors.New("invalid SPIFFE ID")

const idScheme = "spiffe://"

// ID is a SPIFFE identity: a trust domain plus an ordered workload path,
// e.g. spiffe://example.org/workload/server.
type ID struct {
	td   TrustDomain
	path string
}

// FromString parses a SPIFFE ID from its string form.
func FromString(s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("%w: ID is empty", ErrInvalidID)
	}
	if !strings.HasPrefix(s, idScheme) {
		return ID{}, fmt.Errorf("%w: scheme must be %q", ErrInvalidID, "spiffe")
	}

	rest := s[len(idScheme):]
	name := rest
	path := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		name = rest[:i]
		path = rest[i:]
	}

	name = strings.ToLower(name)
	if err := validateTrustDomainName(name); err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	if err := validatePath(path); err != nil {
		return ID{}, err
	}

	return ID{td: TrustDomain{name: name}, path: path}, nil
}

// FromURI parses a SPIFFE ID from a URI, typically a certificate's URI
// Subject Alternative Name.
func FromURI(u *url.URL) (ID, error) {
	if u == nil {
		return ID{}, fmt.Errorf("%w: URI is nil", ErrInvalidID)
	}
	return FromString(u.String())
}

// FromSegments builds a SPIFFE ID from a trust domain and path segments.
func FromSegments(td TrustDomain, segments ...string) (ID, error) {
	if td.IsZero() {
		return ID{}, fmt.Errorf("%w: trust domain is empty", ErrInvalidID)
	}
	var sb strings.Builder
	for _, segment := range segments {
		sb.WriteByte('/')
		sb.WriteString(segment)
	}
	path := sb.String()
	if err := validatePath(path); err != nil {
		return ID{}, err
	}
	return ID{td: td, path: path}, nil
}

// RequireFromString is a test and static-configuration helper that panics
// instead of returning an error.
func RequireFromString(s string) ID {
	id, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return id
}

func validatePath(path string) error {
	if path == "" {
		return nil
	}
	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: path must not end with a trailing slash", ErrInvalidID)
	}
	for _, segment := range strings.Split(path[1:], "/") {
		switch segment {
		case "":
			return fmt.Errorf("%w: path must not contain empty segments", ErrInvalidID)
		case ".", "..":
			return fmt.Errorf("%w: path must not contain dot segments", ErrInvalidID)
		}
		for i := 0; i < len(segment); i++ {
			if !isValidPathChar(segment[i]) {
				return fmt.Errorf("%w: path character %q is not allowed", ErrInvalidID, segment[i])
			}
		}
	}
	return nil
}

func isValidPathChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '.' || c == '-' || c == '_':
		return true
	}
	return false
}

// TrustDomain returns the trust domain component of the ID.
func (id ID) TrustDomain() TrustDomain {
	return id.td
}

// MemberOf reports whether the ID belongs to the given trust domain.
func (id ID) MemberOf(td TrustDomain) bool {
	return id.td == td
}

// Path returns the path component, including the leading slash, or the
// empty string for a trust domain ID.
func (id ID) Path() string {
	return id.path
}

// String returns the canonical string form. Parsing that form yields an
// identical ID.
func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	return idScheme + id.td.name + id.path
}

// URL returns the ID as a URL value.
func (id ID) URL() *url.URL {
	return &url.URL{Scheme: "spiffe", Host: id.td.name, Path: id.path}
}

// IsZero reports whether the ID is the unparsed zero value.
func (id ID) IsZero() bool {
	return id.td.IsZero()
}
