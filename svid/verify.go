package svid

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"spiffe-workload-source/bundle"
	"spiffe-workload-source/spiffeid"
)

// Verify builds a PKIX validation path for the chain (leaf first) using the
// bundle's authorities as trust anchors and returns the leaf's SPIFFE ID.
// Validity periods are enforced at the given time; revocation is not checked,
// the system relies on short SVID lifetimes and rotation instead.
func Verify(chain []*x509.Certificate, b *bundle.X509Bundle, at time.Time) (spiffeid.ID, error) {
	if len(chain) == 0 {
		return spiffeid.ID{}, errors.New("chain verification failed: certificate chain is empty")
	}

	leaf := chain[0]
	id, err := IDFromCert(leaf)
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("chain verification failed: %w", err)
	}

	if !id.MemberOf(b.TrustDomain()) {
		return spiffeid.ID{}, fmt.Errorf("chain verification failed: SPIFFE ID %q is not a member of trust domain %q", id, b.TrustDomain())
	}
	if b.Empty() {
		return spiffeid.ID{}, fmt.Errorf("chain verification failed: bundle for trust domain %q holds no authorities", b.TrustDomain())
	}
	if leaf.IsCA {
		return spiffeid.ID{}, errors.New("chain verification failed: leaf certificate must not be a CA")
	}

	roots := x509.NewCertPool()
	for _, authority := range b.X509Authorities() {
		roots.AddCert(authority)
	}
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := leaf.Verify(opts); err != nil {
		var invalid x509.CertificateInvalidError
		if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
			return spiffeid.ID{}, fmt.Errorf("chain verification failed: certificate expired: %w", err)
		}
		return spiffeid.ID{}, fmt.Errorf("chain verification failed: path building failed: %w", err)
	}

	return id, nil
}

// VerifyAgainstSource verifies the chain against the bundle for the leaf's
// own trust domain, looked up from the source. A missing bundle surfaces the
// source's ErrBundleNotFound.
func VerifyAgainstSource(chain []*x509.Certificate, source bundle.X509Source, at time.Time) (spiffeid.ID, error) {
	if len(chain) == 0 {
		return spiffeid.ID{}, errors.New("chain verification failed: certificate chain is empty")
	}

	id, err := IDFromCert(chain[0])
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("chain verification failed: %w", err)
	}

	b, err := source.GetX509BundleForTrustDomain(id.TrustDomain())
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("chain verification failed: %w", err)
	}

	return Verify(chain, b, at)
}
