// Package svid holds the SVID document types and the validation logic that
// ties an X.509 chain or a JWT back to a SPIFFE identity and a trust bundle.
package svid

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"spiffe-workload-source/spiffeid"
)

// X509SVID is the workload's own identity document: the certificate chain
// (leaf first), its private key, and the SPIFFE ID carried in the leaf's URI
// SAN. Instances are replaced wholesale on rotation, never mutated.
type X509SVID struct {
	ID           spiffeid.ID
	Certificates []*x509.Certificate
	PrivateKey   crypto.Signer
}

// ParseRaw decodes an SVID from the Workload API wire form: concatenated
// ASN.1 DER certificates plus a PKCS#8 private key.
func ParseRaw(certsDER, keyDER []byte) (*X509SVID, error) {
	certs, err := x509.ParseCertificates(certsDER)
	if err != nil {
		return nil, fmt.Errorf("cannot parse SVID certificate chain: %w", err)
	}
	if len(certs) == 0 {
		return nil, errors.New("SVID certificate chain is empty")
	}

	key, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("cannot parse SVID private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("SVID private key type %T does not support signing", key)
	}

	leaf := certs[0]
	id, err := IDFromCert(leaf)
	if err != nil {
		return nil, err
	}

	if !publicKeyMatches(leaf.PublicKey, signer.Public()) {
		return nil, errors.New("SVID private key does not match leaf certificate")
	}

	return &X509SVID{
		ID:           id,
		Certificates: certs,
		PrivateKey:   signer,
	}, nil
}

// Leaf returns the leaf certificate of the chain.
func (s *X509SVID) Leaf() *x509.Certificate {
	return s.Certificates[0]
}

// IDFromCert extracts the SPIFFE ID from a certificate's URI SAN. Exactly
// one SPIFFE URI must be present.
func IDFromCert(cert *x509.Certificate) (spiffeid.ID, error) {
	switch len(cert.URIs) {
	case 0:
		return spiffeid.ID{}, errors.New("certificate carries no URI SAN")
	case 1:
	default:
		return spiffeid.ID{}, fmt.Errorf("certificate carries %d URI SANs, expected exactly one", len(cert.URIs))
	}

	id, err := spiffeid.FromURI(cert.URIs[0])
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("certificate URI SAN is not a SPIFFE ID: %w", err)
	}
	return id, nil
}

func publicKeyMatches(a, b crypto.PublicKey) bool {
	switch key := a.(type) {
	case *rsa.PublicKey:
		return key.Equal(b)
	case *ecdsa.PublicKey:
		return key.Equal(b)
	case ed25519.PublicKey:
		return key.Equal(b)
	}
	return false
}
