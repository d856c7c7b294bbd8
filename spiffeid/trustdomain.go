package spiffeid

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTrustDomain is wrapped by every trust domain parsing failure.
var ErrInvalidTrustDomain = errors.New("invalid trust domain")

const maxTrustDomainLength = 255

// TrustDomain is the administrative namespace a workload identity belongs
// to: the host component of a spiffe:// URI. It is a comparable value type;
// two trust domains are equal when their normalized names are equal.
type TrustDomain struct {
	name string
}

// TrustDomainFromString parses and normalizes a trust domain name. The input
// may optionally carry a spiffe:// prefix, in which case the trust domain is
// taken from the ID's authority component.
func TrustDomainFromString(s string) (TrustDomain, error) {
	if strings.Contains(s, "://") {
		id, err := FromString(s)
		if err != nil {
			return TrustDomain{}, fmt.Errorf("%w: %v", ErrInvalidTrustDomain, err)
		}
		return id.TrustDomain(), nil
	}

	name := strings.ToLower(s)
	if err := validateTrustDomainName(name); err != nil {
		return TrustDomain{}, err
	}
	return TrustDomain{name: name}, nil
}

// RequireTrustDomainFromString is a test and static-configuration helper
// that panics instead of returning an error.
func RequireTrustDomainFromString(s string) TrustDomain {
	td, err := TrustDomainFromString(s)
	if err != nil {
		panic(err)
	}
	return td
}

func validateTrustDomainName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidTrustDomain)
	}
	if len(name) > maxTrustDomainLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidTrustDomain, maxTrustDomainLength)
	}
	for i := 0; i < len(name); i++ {
		if !isValidTrustDomainChar(name[i]) {
			return fmt.Errorf("%w: character %q at position %d is not allowed", ErrInvalidTrustDomain, name[i], i)
		}
	}
	return nil
}

func isValidTrustDomainChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '.' || c == '-' || c == '_':
		return true
	}
	return false
}

// String returns the normalized trust domain name, e.g. "example.org".
func (td TrustDomain) String() string {
	return td.name
}

// IDString returns the SPIFFE ID string of the trust domain itself,
// e.g. "spiffe://example.org".
func (td TrustDomain) IDString() string {
	return "spiffe://" + td.name
}

// IsZero reports whether the trust domain is the unparsed zero value.
func (td TrustDomain) IsZero() bool {
	return td.name == ""
}

// Compare orders trust domains lexicographically by name.
func (td TrustDomain) Compare(other TrustDomain) int {
	return strings.Compare(td.name, other.name)
}
