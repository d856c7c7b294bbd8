package workloadapi

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/spiffe/go-spiffe/v2/proto/spiffe/workload"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type x509Behavior func(workload.SpiffeWorkloadAPI_FetchX509SVIDServer) error

type jwtBundleBehavior func(workload.SpiffeWorkloadAPI_FetchJWTBundlesServer) error

// fakeWorkloadAPI scripts the agent side of the protocol: each new stream
// pops the next queued behavior; with no behavior queued the stream blocks
// until torn down.
type fakeWorkloadAPI struct {
	workload.UnimplementedSpiffeWorkloadAPIServer

	mu            sync.Mutex
	x509Behaviors []x509Behavior
	jwtBehaviors  []jwtBundleBehavior

	jwtSVIDResponse *workload.JWTSVIDResponse
	validateErr     error

	x509Streams  atomic.Int32
	missedHeader atomic.Bool
}

func (f *fakeWorkloadAPI) queueX509(behaviors ...x509Behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.x509Behaviors = append(f.x509Behaviors, behaviors...)
}

func (f *fakeWorkloadAPI) queueJWTBundles(behaviors ...jwtBundleBehavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jwtBehaviors = append(f.jwtBehaviors, behaviors...)
}

func (f *fakeWorkloadAPI) checkHeader(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(securityHeaderKey)
	if len(values) != 1 || values[0] != securityHeaderValue {
		f.missedHeader.Store(true)
		return status.Error(codes.InvalidArgument, "security header missing from request")
	}
	return nil
}

func (f *fakeWorkloadAPI) FetchX509SVID(_ *workload.X509SVIDRequest, stream workload.SpiffeWorkloadAPI_FetchX509SVIDServer) error {
	f.x509Streams.Add(1)
	if err := f.checkHeader(stream.Context()); err != nil {
		return err
	}

	f.mu.Lock()
	var behavior x509Behavior
	if len(f.x509Behaviors) > 0 {
		behavior = f.x509Behaviors[0]
		f.x509Behaviors = f.x509Behaviors[1:]
	}
	f.mu.Unlock()

	if behavior == nil {
		<-stream.Context().Done()
		return stream.Context().Err()
	}
	return behavior(stream)
}

func (f *fakeWorkloadAPI) FetchJWTBundles(_ *workload.JWTBundlesRequest, stream workload.SpiffeWorkloadAPI_FetchJWTBundlesServer) error {
	if err := f.checkHeader(stream.Context()); err != nil {
		return err
	}

	f.mu.Lock()
	var behavior jwtBundleBehavior
	if len(f.jwtBehaviors) > 0 {
		behavior = f.jwtBehaviors[0]
		f.jwtBehaviors = f.jwtBehaviors[1:]
	}
	f.mu.Unlock()

	if behavior == nil {
		<-stream.Context().Done()
		return stream.Context().Err()
	}
	return behavior(stream)
}

func (f *fakeWorkloadAPI) FetchJWTSVID(ctx context.Context, _ *workload.JWTSVIDRequest) (*workload.JWTSVIDResponse, error) {
	if err := f.checkHeader(ctx); err != nil {
		return nil, err
	}
	if f.jwtSVIDResponse == nil {
		return nil, status.Error(codes.NotFound, "no JWT-SVID configured")
	}
	return f.jwtSVIDResponse, nil
}

func (f *fakeWorkloadAPI) ValidateJWTSVID(ctx context.Context, _ *workload.ValidateJWTSVIDRequest) (*workload.ValidateJWTSVIDResponse, error) {
	if err := f.checkHeader(ctx); err != nil {
		return nil, err
	}
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	return &workload.ValidateJWTSVIDResponse{}, nil
}

// newTestClient serves the fake over an in-process bufconn transport and
// returns a client wired to it.
func newTestClient(t *testing.T, fake *fakeWorkloadAPI) *Client {
	t.Helper()

	listener := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	workload.RegisterSpiffeWorkloadAPIServer(server, fake)

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///workloadapi",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	client, err := New(WithGRPCConn(conn))
	if err != nil {
		t.Fatal(err)
	}
	return client
}

// testCA mints leaf certificates for X509SVIDResponse payloads.
type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "fake-workload-api-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) mintSVIDMessage(t *testing.T, spiffeID string) *workload.X509SVID {
	t.Helper()

	u, err := url.Parse(spiffeID)
	if err != nil {
		t.Fatal(err)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		URIs:         []*url.URL{u},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	return &workload.X509SVID{
		SpiffeId:    spiffeID,
		X509Svid:    der,
		X509SvidKey: keyDER,
		Bundle:      ca.cert.Raw,
	}
}

func (ca *testCA) x509Response(t *testing.T, spiffeIDs ...string) *workload.X509SVIDResponse {
	t.Helper()

	resp := &workload.X509SVIDResponse{}
	for _, id := range spiffeIDs {
		resp.Svids = append(resp.Svids, ca.mintSVIDMessage(t, id))
	}
	return resp
}

func sendThenBlock(resp *workload.X509SVIDResponse) x509Behavior {
	return func(stream workload.SpiffeWorkloadAPI_FetchX509SVIDServer) error {
		if err := stream.Send(resp); err != nil {
			return err
		}
		<-stream.Context().Done()
		return stream.Context().Err()
	}
}

func sendThenFail(resp *workload.X509SVIDResponse) x509Behavior {
	return func(stream workload.SpiffeWorkloadAPI_FetchX509SVIDServer) error {
		if err := stream.Send(resp); err != nil {
			return err
		}
		return status.Error(codes.Unavailable, "stream reset by test")
	}
}

// signTestJWT mints a JWT-SVID token plus the JWKS bundle map that verifies
// it.
func signTestJWT(t *testing.T, subject string, audiences []string, expiry time.Time) (string, map[string][]byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.ES256,
		Key:       jose.JSONWebKey{Key: key, KeyID: "test-kid"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	claims := jwt.Claims{
		Subject:  subject,
		Audience: jwt.Audience(audiences),
		Expiry:   jwt.NewNumericDate(expiry),
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatal(err)
	}

	jwks, err := json.Marshal(jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{Key: &key.PublicKey, KeyID: "test-kid", Use: "jwt-svid"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	return token, map[string][]byte{"example.org": jwks}
}
