package bundle

import "spiffe-workload-source/spiffeid"

// X509Source is anything that can hand out an X.509 bundle per trust domain:
// a static X509Set or a live, auto-updating workload source.
type X509Source interface {
	GetX509BundleForTrustDomain(td spiffeid.TrustDomain) (*X509Bundle, error)
}

// JWTSource is the JWT bundle counterpart of X509Source.
type JWTSource interface {
	GetJWTBundleForTrustDomain(td spiffeid.TrustDomain) (*JWTBundle, error)
}

// GetX509BundleForTrustDomain implements X509Source.
func (s *X509Set) GetX509BundleForTrustDomain(td spiffeid.TrustDomain) (*X509Bundle, error) {
	return s.Get(td)
}

// GetJWTBundleForTrustDomain implements JWTSource.
func (s *JWTSet) GetJWTBundleForTrustDomain(td spiffeid.TrustDomain) (*JWTBundle, error) {
	return s.Get(td)
}
