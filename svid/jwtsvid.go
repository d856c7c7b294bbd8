package svid

import (
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"spiffe-workload-source/bundle"
	"spiffe-workload-source/spiffeid"
)

// Signature algorithms a Workload API is permitted to sign JWT-SVIDs with.
var allowedSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// JWTSVID is a parsed and validated JWT identity document. Immutable once
// constructed.
type JWTSVID struct {
	ID       spiffeid.ID
	Audience []string
	Expiry   time.Time
	Claims   map[string]interface{}

	token string
}

// Marshal returns the token in its original compact serialization.
func (s *JWTSVID) Marshal() string {
	return s.token
}

// ParseAndValidate parses the token, verifies its signature against the JWT
// authority (selected by the token's key ID within the subject trust
// domain's bundle), and checks expiry and the expected audiences.
func ParseAndValidate(token string, bundles bundle.JWTSource, audiences []string) (*JWTSVID, error) {
	tok, err := jwt.ParseSigned(token, allowedSignatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("cannot parse JWT-SVID: %w", err)
	}
	if len(tok.Headers) != 1 {
		return nil, fmt.Errorf("JWT-SVID carries %d signatures, expected exactly one", len(tok.Headers))
	}
	keyID := tok.Headers[0].KeyID
	if keyID == "" {
		return nil, errors.New("JWT-SVID header is missing a key ID")
	}

	var unverified jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&unverified); err != nil {
		return nil, fmt.Errorf("cannot read JWT-SVID claims: %w", err)
	}
	id, err := spiffeid.FromString(unverified.Subject)
	if err != nil {
		return nil, fmt.Errorf("JWT-SVID subject is not a SPIFFE ID: %w", err)
	}

	b, err := bundles.GetJWTBundleForTrustDomain(id.TrustDomain())
	if err != nil {
		return nil, err
	}
	authority, err := b.FindJWTAuthority(keyID)
	if err != nil {
		return nil, err
	}

	var claims jwt.Claims
	rawClaims := make(map[string]interface{})
	if err := tok.Claims(authority, &claims, &rawClaims); err != nil {
		return nil, fmt.Errorf("JWT-SVID signature verification failed: %w", err)
	}

	return buildJWTSVID(token, id, claims, rawClaims, audiences)
}

// ParseInsecure parses the token and checks expiry and audiences without
// verifying the signature. Intended for introspection and tests only.
func ParseInsecure(token string, audiences []string) (*JWTSVID, error) {
	tok, err := jwt.ParseSigned(token, allowedSignatureAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("cannot parse JWT-SVID: %w", err)
	}

	var claims jwt.Claims
	rawClaims := make(map[string]interface{})
	if err := tok.UnsafeClaimsWithoutVerification(&claims, &rawClaims); err != nil {
		return nil, fmt.Errorf("cannot read JWT-SVID claims: %w", err)
	}
	id, err := spiffeid.FromString(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("JWT-SVID subject is not a SPIFFE ID: %w", err)
	}

	return buildJWTSVID(token, id, claims, rawClaims, audiences)
}

func buildJWTSVID(token string, id spiffeid.ID, claims jwt.Claims, rawClaims map[string]interface{}, audiences []string) (*JWTSVID, error) {
	if claims.Expiry == nil {
		return nil, errors.New("JWT-SVID is missing the exp claim")
	}
	expiry := claims.Expiry.Time()
	if time.Now().After(expiry) {
		return nil, fmt.Errorf("JWT-SVID expired at %s", expiry.UTC().Format(time.RFC3339))
	}

	for _, audience := range audiences {
		if !claims.Audience.Contains(audience) {
			return nil, fmt.Errorf("JWT-SVID audience %v does not include %q", []string(claims.Audience), audience)
		}
	}

	return &JWTSVID{
		ID:       id,
		Audience: []string(claims.Audience),
		Expiry:   expiry,
		Claims:   rawClaims,
		token:    token,
	}, nil
}
