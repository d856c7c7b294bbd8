// Package bundle holds trust-domain-keyed authority containers for X.509
// and JWT SVID validation. Bundles and sets are plain value containers with
// no internal locking; live rotation safety comes from the sources, which
// only ever publish fully-built copies.
package bundle

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"

	"spiffe-workload-source/spiffeid"
)

// ErrBundleNotFound is wrapped by set lookups for unknown trust domains.
// Lookups fail loudly instead of returning an empty bundle: silently
// trusting nothing must be visible to the caller.
var ErrBundleNotFound = errors.New("no bundle found for trust domain")

// X509Bundle is the set of CA certificates trusted to issue X509-SVIDs for
// one trust domain.
type X509Bundle struct {
	td          spiffeid.TrustDomain
	authorities []*x509.Certificate
}

// NewX509Bundle returns an empty bundle for the trust domain.
func NewX509Bundle(td spiffeid.TrustDomain) *X509Bundle {
	return &X509Bundle{td: td}
}

// FromX509Authorities builds a bundle from existing CA certificates.
func FromX509Authorities(td spiffeid.TrustDomain, authorities []*x509.Certificate) *X509Bundle {
	return &X509Bundle{td: td, authorities: copyX509Authorities(authorities)}
}

// ParseX509Bundle decodes a bundle from concatenated ASN.1 DER certificates,
// the encoding the Workload API uses for bundle payloads.
func ParseX509Bundle(td spiffeid.TrustDomain, derBytes []byte) (*X509Bundle, error) {
	if len(derBytes) == 0 {
		return nil, fmt.Errorf("empty X.509 bundle for trust domain %q", td)
	}
	certs, err := x509.ParseCertificates(derBytes)
	if err != nil {
		return nil, fmt.Errorf("cannot parse X.509 bundle for trust domain %q: %w", td, err)
	}
	return &X509Bundle{td: td, authorities: certs}, nil
}

// TrustDomain returns the trust domain the bundle belongs to.
func (b *X509Bundle) TrustDomain() spiffeid.TrustDomain {
	return b.td
}

// X509Authorities returns a copy of the CA certificates in the bundle.
func (b *X509Bundle) X509Authorities() []*x509.Certificate {
	return copyX509Authorities(b.authorities)
}

// AddX509Authority appends a CA certificate unless an identical one is
// already present.
func (b *X509Bundle) AddX509Authority(authority *x509.Certificate) {
	if b.HasX509Authority(authority) {
		return
	}
	b.authorities = append(b.authorities, authority)
}

// RemoveX509Authority removes the CA certificate, matched by raw DER bytes.
func (b *X509Bundle) RemoveX509Authority(authority *x509.Certificate) {
	for i, a := range b.authorities {
		if bytes.Equal(a.Raw, authority.Raw) {
			b.authorities = append(b.authorities[:i], b.authorities[i+1:]...)
			return
		}
	}
}

// HasX509Authority reports whether the CA certificate is in the bundle.
func (b *X509Bundle) HasX509Authority(authority *x509.Certificate) bool {
	for _, a := range b.authorities {
		if bytes.Equal(a.Raw, authority.Raw) {
			return true
		}
	}
	return false
}

// SetX509Authorities replaces the authority set wholesale.
func (b *X509Bundle) SetX509Authorities(authorities []*x509.Certificate) {
	b.authorities = copyX509Authorities(authorities)
}

// Empty reports whether the bundle holds no authorities.
func (b *X509Bundle) Empty() bool {
	return len(b.authorities) == 0
}

// Equal reports value equality: same trust domain and the same authority
// certificates in the same order.
func (b *X509Bundle) Equal(other *X509Bundle) bool {
	if b == nil || other == nil {
		return b == other
	}
	if b.td != other.td || len(b.authorities) != len(other.authorities) {
		return false
	}
	for i := range b.authorities {
		if !bytes.Equal(b.authorities[i].Raw, other.authorities[i].Raw) {
			return false
		}
	}
	return true
}

func copyX509Authorities(authorities []*x509.Certificate) []*x509.Certificate {
	out := make([]*x509.Certificate, len(authorities))
	copy(out, authorities)
	return out
}

// X509Set maps trust domains to their X.509 bundles, one bundle per trust
// domain.
type X509Set struct {
	bundles map[spiffeid.TrustDomain]*X509Bundle
}

// NewX509Set builds a set from the given bundles. Supplying no bundles is an
// error; use EmptyX509Set for the valid pre-fetch default. Later bundles for
// the same trust domain replace earlier ones.
func NewX509Set(bundles ...*X509Bundle) (*X509Set, error) {
	if len(bundles) == 0 {
		return nil, errors.New("at least one X.509 bundle is required")
	}
	set := EmptyX509Set()
	for _, b := range bundles {
		set.Put(b)
	}
	return set, nil
}

// EmptyX509Set returns a set with no bundles.
func EmptyX509Set() *X509Set {
	return &X509Set{bundles: make(map[spiffeid.TrustDomain]*X509Bundle)}
}

// Put inserts the bundle, replacing any bundle already held for its trust
// domain. Authorities are never merged across puts.
func (s *X509Set) Put(b *X509Bundle) {
	s.bundles[b.TrustDomain()] = b
}

// Get returns the bundle for the trust domain, or an error wrapping
// ErrBundleNotFound.
func (s *X509Set) Get(td spiffeid.TrustDomain) (*X509Bundle, error) {
	b, ok := s.bundles[td]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrBundleNotFound, td)
	}
	return b, nil
}

// Has reports whether a bundle for the trust domain is present.
func (s *X509Set) Has(td spiffeid.TrustDomain) bool {
	_, ok := s.bundles[td]
	return ok
}

// Bundles returns the held bundles ordered by trust domain name.
func (s *X509Set) Bundles() []*X509Bundle {
	out := make([]*X509Bundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TrustDomain().Compare(out[j].TrustDomain()) < 0
	})
	return out
}

// Len returns the number of bundles in the set.
func (s *X509Set) Len() int {
	return len(s.bundles)
}
