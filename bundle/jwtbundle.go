package bundle

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"

	jose "github.com/go-jose/go-jose/v4"

	"spiffe-workload-source/spiffeid"
)

// JWTBundle is the set of public signing keys, keyed by key ID, trusted to
// sign JWT-SVIDs for one trust domain.
type JWTBundle struct {
	td          spiffeid.TrustDomain
	authorities map[string]crypto.PublicKey
}

// NewJWTBundle returns an empty bundle for the trust domain.
func NewJWTBundle(td spiffeid.TrustDomain) *JWTBundle {
	return &JWTBundle{td: td, authorities: make(map[string]crypto.PublicKey)}
}

// FromJWTAuthorities builds a bundle from an existing key ID to public key
// mapping.
func FromJWTAuthorities(td spiffeid.TrustDomain, authorities map[string]crypto.PublicKey) *JWTBundle {
	return &JWTBundle{td: td, authorities: copyJWTAuthorities(authorities)}
}

// ParseJWTBundle decodes a bundle from a JWKS document, the encoding the
// Workload API uses for FetchJWTBundles payloads. Every key must carry a
// key ID.
func ParseJWTBundle(td spiffeid.TrustDomain, jwksBytes []byte) (*JWTBundle, error) {
	var jwks jose.JSONWebKeySet
	if err := json.Unmarshal(jwksBytes, &jwks); err != nil {
		return nil, fmt.Errorf("cannot parse JWKS for trust domain %q: %w", td, err)
	}

	bundle := NewJWTBundle(td)
	for i, key := range jwks.Keys {
		if key.KeyID == "" {
			return nil, fmt.Errorf("JWKS for trust domain %q: key %d is missing a key ID", td, i)
		}
		bundle.authorities[key.KeyID] = key.Key
	}
	return bundle, nil
}

// TrustDomain returns the trust domain the bundle belongs to.
func (b *JWTBundle) TrustDomain() spiffeid.TrustDomain {
	return b.td
}

// JWTAuthorities returns a copy of the key ID to public key mapping.
func (b *JWTBundle) JWTAuthorities() map[string]crypto.PublicKey {
	return copyJWTAuthorities(b.authorities)
}

// FindJWTAuthority returns the public key for the key ID.
func (b *JWTBundle) FindJWTAuthority(keyID string) (crypto.PublicKey, error) {
	authority, ok := b.authorities[keyID]
	if !ok {
		return nil, fmt.Errorf("no JWT authority with key ID %q for trust domain %q", keyID, b.td)
	}
	return authority, nil
}

// AddJWTAuthority inserts or replaces the key for the key ID.
func (b *JWTBundle) AddJWTAuthority(keyID string, authority crypto.PublicKey) error {
	if keyID == "" {
		return errors.New("key ID must not be empty")
	}
	b.authorities[keyID] = authority
	return nil
}

// RemoveJWTAuthority removes the key for the key ID.
func (b *JWTBundle) RemoveJWTAuthority(keyID string) {
	delete(b.authorities, keyID)
}

// Empty reports whether the bundle holds no authorities.
func (b *JWTBundle) Empty() bool {
	return len(b.authorities) == 0
}

// Equal reports value equality: same trust domain and the same key ID to
// public key mapping.
func (b *JWTBundle) Equal(other *JWTBundle) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.td == other.td && reflect.DeepEqual(b.authorities, other.authorities)
}

func copyJWTAuthorities(authorities map[string]crypto.PublicKey) map[string]crypto.PublicKey {
	out := make(map[string]crypto.PublicKey, len(authorities))
	for keyID, authority := range authorities {
		out[keyID] = authority
	}
	return out
}

// JWTSet maps trust domains to their JWT bundles, one bundle per trust
// domain.
type JWTSet struct {
	bundles map[spiffeid.TrustDomain]*JWTBundle
}

// NewJWTSet builds a set from the given bundles. Supplying no bundles is an
// error; use EmptyJWTSet for the valid pre-fetch default.
func NewJWTSet(bundles ...*JWTBundle) (*JWTSet, error) {
	if len(bundles) == 0 {
		return nil, errors.New("at least one JWT bundle is required")
	}
	set := EmptyJWTSet()
	for _, b := range bundles {
		set.Put(b)
	}
	return set, nil
}

// EmptyJWTSet returns a set with no bundles.
func EmptyJWTSet() *JWTSet {
	return &JWTSet{bundles: make(map[spiffeid.TrustDomain]*JWTBundle)}
}

// Put inserts the bundle, replacing any bundle already held for its trust
// domain.
func (s *JWTSet) Put(b *JWTBundle) {
	s.bundles[b.TrustDomain()] = b
}

// Get returns the bundle for the trust domain, or an error wrapping
// ErrBundleNotFound.
func (s *JWTSet) Get(td spiffeid.TrustDomain) (*JWTBundle, error) {
	b, ok := s.bundles[td]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrBundleNotFound, td)
	}
	return b, nil
}

// Has reports whether a bundle for the trust domain is present.
func (s *JWTSet) Has(td spiffeid.TrustDomain) bool {
	_, ok := s.bundles[td]
	return ok
}

// Bundles returns the held bundles ordered by trust domain name.
func (s *JWTSet) Bundles() []*JWTBundle {
	out := make([]*JWTBundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TrustDomain().Compare(out[j].TrustDomain()) < 0
	})
	return out
}

// Len returns the number of bundles in the set.
func (s *JWTSet) Len() int {
	return len(s.bundles)
}
