// Package tlsconfig builds tls.Config values backed by live SPIFFE identity
// sources. Certificates and trust anchors are resolved per handshake, so a
// long-lived listener or client picks up rotated SVIDs without restarts.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"spiffe-workload-source/bundle"
	"spiffe-workload-source/spiffeid"
	"spiffe-workload-source/svid"
)

// SVIDSource supplies the local identity presented during handshakes.
// *workloadapi.X509Source implements it.
type SVIDSource interface {
	GetX509SVID() (*svid.X509SVID, error)
}

// Authorizer decides whether a verified peer identity is acceptable.
type Authorizer func(id spiffeid.ID, verifiedChains [][]*x509.Certificate) error

// AuthorizeAny accepts any peer with a verifiable SPIFFE identity.
func AuthorizeAny() Authorizer {
	return func(spiffeid.ID, [][]*x509.Certificate) error {
		return nil
	}
}

// AuthorizeID accepts only the given peer identity.
func AuthorizeID(allowed spiffeid.ID) Authorizer {
	return func(id spiffeid.ID, _ [][]*x509.Certificate) error {
		if id != allowed {
			return fmt.Errorf("unexpected peer ID %q", id)
		}
		return nil
	}
}

// AuthorizeMemberOf accepts any peer from the given trust domain.
func AuthorizeMemberOf(td spiffeid.TrustDomain) Authorizer {
	return func(id spiffeid.ID, _ [][]*x509.Certificate) error {
		if !id.MemberOf(td) {
			return fmt.Errorf("unexpected trust domain %q for peer ID %q", id.TrustDomain(), id)
		}
		return nil
	}
}

// AuthorizeOneOf accepts any of the given peer identities.
func AuthorizeOneOf(allowed ...spiffeid.ID) Authorizer {
	return func(id spiffeid.ID, _ [][]*x509.Certificate) error {
		for _, candidate := range allowed {
			if id == candidate {
				return nil
			}
		}
		return fmt.Errorf("unexpected peer ID %q", id)
	}
}

// TLSClientConfig authenticates the server's SPIFFE identity without
// presenting a client certificate.
func TLSClientConfig(bundles bundle.X509Source, authorizer Authorizer) *tls.Config {
	return &tls.Config{
		MinVersion:            tls.VersionTLS12,
		// Standard hostname verification is disabled; VerifyPeerCertificate
		// performs SPIFFE chain verification instead.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeerCertificate(bundles, authorizer),
	}
}

// MTLSClientConfig performs mutually authenticated TLS: the client presents
// the SVID from the source and verifies the server against the bundle set.
func MTLSClientConfig(source SVIDSource, bundles bundle.X509Source, authorizer Authorizer) *tls.Config {
	return &tls.Config{
		MinVersion:            tls.VersionTLS12,
		// Standard hostname verification is disabled; VerifyPeerCertificate
		// performs SPIFFE chain verification instead.
		InsecureSkipVerify:    true,
		GetClientCertificate:  getClientCertificate(source),
		VerifyPeerCertificate: verifyPeerCertificate(bundles, authorizer),
	}
}

// MTLSServerConfig requires and verifies a client SVID while presenting the
// server's own.
func MTLSServerConfig(source SVIDSource, bundles bundle.X509Source, authorizer Authorizer) *tls.Config {
	return &tls.Config{
		MinVersion:            tls.VersionTLS12,
		ClientAuth:            tls.RequireAnyClientCert,
		GetCertificate:        getCertificate(source),
		VerifyPeerCertificate: verifyPeerCertificate(bundles, authorizer),
	}
}

func getCertificate(source SVIDSource) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return tlsCertificate(source)
	}
}

func getClientCertificate(source SVIDSource) func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		return tlsCertificate(source)
	}
}

func tlsCertificate(source SVIDSource) (*tls.Certificate, error) {
	s, err := source.GetX509SVID()
	if err != nil {
		return nil, err
	}

	cert := &tls.Certificate{
		PrivateKey: s.PrivateKey,
		Leaf:       s.Leaf(),
	}
	for _, c := range s.Certificates {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	return cert, nil
}

func verifyPeerCertificate(bundles bundle.X509Source, authorizer Authorizer) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		chain := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("cannot parse peer certificate: %w", err)
			}
			chain = append(chain, cert)
		}

		id, err := svid.VerifyAgainstSource(chain, bundles, time.Now())
		if err != nil {
			return err
		}
		return authorizer(id, [][]*x509.Certificate{chain})
	}
}
