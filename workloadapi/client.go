// Package workloadapi implements the streaming client to the SPIFFE
// Workload API and the auto-updating X.509/JWT sources built on top of it.
package workloadapi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spiffe/go-spiffe/v2/proto/spiffe/workload"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"spiffe-workload-source/bundle"
	"spiffe-workload-source/internal/metrics"
	"spiffe-workload-source/spiffeid"
	"spiffe-workload-source/svid"
)

// Every Workload API call must carry this header; the agent rejects calls
// without it.
const (
	securityHeaderKey   = "workload.spiffe.io"
	securityHeaderValue = "true"
)

const maxMessageSize = 20 * 1024 * 1024

// X509ContextWatcher receives X.509 context updates from a watch stream.
// OnX509ContextWatchError is invoked exactly once per WatchX509Context call,
// when the stream terminates; reconnecting is the caller's responsibility.
type X509ContextWatcher interface {
	OnX509ContextUpdate(*X509Context)
	OnX509ContextWatchError(error)
}

// JWTBundleWatcher is the JWT bundle counterpart of X509ContextWatcher.
type JWTBundleWatcher interface {
	OnJWTBundlesUpdate(*bundle.JWTSet)
	OnJWTBundlesWatchError(error)
}

// JWTSVIDParams parameterizes a JWT-SVID fetch.
type JWTSVIDParams struct {
	// Audience values the token must be scoped to. At least one is required.
	Audience []string

	// Subject optionally selects which identity to fetch a token for. When
	// zero, the agent picks the workload's default identity.
	Subject spiffeid.ID
}

// Client owns a single gRPC channel to the Workload API endpoint and issues
// the one-shot and streaming fetch calls. Close is idempotent and cancels
// any in-flight call on an owned channel.
type Client struct {
	conn     *grpc.ClientConn
	ownsConn bool
	wl       workload.SpiffeWorkloadAPIClient
	logger   hclog.Logger
	target   string

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds a client. Unless WithGRPCConn supplies a channel, the endpoint
// address comes from WithAddr or the SPIFFE_ENDPOINT_SOCKET environment
// variable and the channel is dialed lazily by gRPC.
func New(options ...ClientOption) (*Client, error) {
	config := defaultClientConfig()
	for _, opt := range options {
		opt(&config)
	}

	c := &Client{
		logger: config.logger.Named("workloadapi"),
	}

	if config.conn != nil {
		c.conn = config.conn
		c.wl = workload.NewSpiffeWorkloadAPIClient(config.conn)
		return c, nil
	}

	addr := config.addr
	if addr == "" {
		envAddr, ok := GetDefaultAddress()
		if !ok {
			return nil, fmt.Errorf("workload endpoint address is not configured and %s is not set", SocketEnv)
		}
		addr = envAddr
	}

	target, err := parseTargetFromAddr(addr)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot open channel to %s: %w", target, err)
	}

	c.conn = conn
	c.ownsConn = true
	c.target = target
	c.wl = workload.NewSpiffeWorkloadAPIClient(conn)
	return c, nil
}

// Close releases the channel if the client owns it and cancels in-flight
// calls. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.ownsConn {
			c.closeErr = c.conn.Close()
		}
		c.logger.Debug("workload API client closed", "target", c.target)
	})
	return c.closeErr
}

// FetchX509Context performs a blocking one-shot fetch: it opens the X.509
// stream, decodes the first response, and tears the stream down.
func (c *Client) FetchX509Context(ctx context.Context) (*X509Context, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("workload API client is %w", ErrClosed)
	}

	ctx, cancel := context.WithCancel(withSecurityHeader(ctx))
	defer cancel()

	stream, err := c.wl.FetchX509SVID(ctx, &workload.X509SVIDRequest{})
	if err != nil {
		return nil, fmt.Errorf("cannot open X.509 context stream: %w", err)
	}

	resp, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("cannot receive X.509 context: %w", err)
	}

	return parseX509Context(resp)
}

// WatchX509Context opens the X.509 stream and delivers every decoded update
// to the watcher. Malformed responses are dropped without being delivered;
// the previously delivered update remains the watcher's latest state. The
// call returns the terminal stream error after notifying the watcher once.
func (c *Client) WatchX509Context(ctx context.Context, watcher X509ContextWatcher) error {
	if c.closed.Load() {
		err := fmt.Errorf("workload API client is %w", ErrClosed)
		watcher.OnX509ContextWatchError(err)
		return err
	}

	ctx, cancel := context.WithCancel(withSecurityHeader(ctx))
	defer cancel()

	stream, err := c.wl.FetchX509SVID(ctx, &workload.X509SVIDRequest{})
	if err != nil {
		watcher.OnX509ContextWatchError(err)
		return err
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			watcher.OnX509ContextWatchError(err)
			return err
		}

		x509Context, err := parseX509Context(resp)
		if err != nil {
			c.logger.Error("dropping malformed X.509 context update", "error", err)
			metrics.RecordUpdateRejected("x509", "malformed")
			continue
		}
		watcher.OnX509ContextUpdate(x509Context)
	}
}

// FetchJWTBundles performs a blocking one-shot fetch of the JWT bundle set.
func (c *Client) FetchJWTBundles(ctx context.Context) (*bundle.JWTSet, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("workload API client is %w", ErrClosed)
	}

	ctx, cancel := context.WithCancel(withSecurityHeader(ctx))
	defer cancel()

	stream, err := c.wl.FetchJWTBundles(ctx, &workload.JWTBundlesRequest{})
	if err != nil {
		return nil, fmt.Errorf("cannot open JWT bundle stream: %w", err)
	}

	resp, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("cannot receive JWT bundles: %w", err)
	}

	return parseJWTBundleSet(resp)
}

// WatchJWTBundles is the JWT bundle counterpart of WatchX509Context.
func (c *Client) WatchJWTBundles(ctx context.Context, watcher JWTBundleWatcher) error {
	if c.closed.Load() {
		err := fmt.Errorf("workload API client is %w", ErrClosed)
		watcher.OnJWTBundlesWatchError(err)
		return err
	}

	ctx, cancel := context.WithCancel(withSecurityHeader(ctx))
	defer cancel()

	stream, err := c.wl.FetchJWTBundles(ctx, &workload.JWTBundlesRequest{})
	if err != nil {
		watcher.OnJWTBundlesWatchError(err)
		return err
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			watcher.OnJWTBundlesWatchError(err)
			return err
		}

		bundles, err := parseJWTBundleSet(resp)
		if err != nil {
			c.logger.Error("dropping malformed JWT bundle update", "error", err)
			metrics.RecordUpdateRejected("jwt", "malformed")
			continue
		}
		watcher.OnJWTBundlesUpdate(bundles)
	}
}

// FetchJWTSVID asks the agent to mint a JWT-SVID for the given audiences.
// The agent is the trust boundary here, so the returned token is parsed
// without re-verifying its signature.
func (c *Client) FetchJWTSVID(ctx context.Context, params JWTSVIDParams) (*svid.JWTSVID, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("workload API client is %w", ErrClosed)
	}
	if len(params.Audience) == 0 {
		return nil, fmt.Errorf("at least one audience is required")
	}

	ctx = withSecurityHeader(ctx)

	req := &workload.JWTSVIDRequest{Audience: params.Audience}
	if !params.Subject.IsZero() {
		req.SpiffeId = params.Subject.String()
	}

	resp, err := c.wl.FetchJWTSVID(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("cannot fetch JWT-SVID: %w", err)
	}
	if len(resp.Svids) == 0 {
		return nil, fmt.Errorf("malformed JWT-SVID response: no SVIDs returned")
	}

	parsed, err := svid.ParseInsecure(resp.Svids[0].Svid, params.Audience)
	if err != nil {
		return nil, fmt.Errorf("malformed JWT-SVID response: %w", err)
	}
	return parsed, nil
}

// ValidateJWTSVID asks the agent to validate the token against the audience
// and returns the parsed SVID on success.
func (c *Client) ValidateJWTSVID(ctx context.Context, token, audience string) (*svid.JWTSVID, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("workload API client is %w", ErrClosed)
	}

	ctx = withSecurityHeader(ctx)

	_, err := c.wl.ValidateJWTSVID(ctx, &workload.ValidateJWTSVIDRequest{
		Svid:     token,
		Audience: audience,
	})
	if err != nil {
		return nil, fmt.Errorf("JWT-SVID validation failed: %w", err)
	}

	return svid.ParseInsecure(token, []string{audience})
}

func withSecurityHeader(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, securityHeaderKey, securityHeaderValue)
}

// parseX509Context decodes one stream response into an immutable snapshot.
// Any malformed element fails the whole update; a bad message never
// partially overwrites state.
func parseX509Context(resp *workload.X509SVIDResponse) (*X509Context, error) {
	if len(resp.Svids) == 0 {
		return nil, fmt.Errorf("malformed X.509 SVID response: no SVIDs in response")
	}

	svids := make([]*svid.X509SVID, 0, len(resp.Svids))
	bundles := bundle.EmptyX509Set()

	for _, msg := range resp.Svids {
		id, err := spiffeid.FromString(msg.SpiffeId)
		if err != nil {
			return nil, fmt.Errorf("malformed X.509 SVID response: %w", err)
		}

		s, err := svid.ParseRaw(msg.X509Svid, msg.X509SvidKey)
		if err != nil {
			return nil, fmt.Errorf("malformed X.509 SVID response for %q: %w", id, err)
		}
		if s.ID != id {
			return nil, fmt.Errorf("malformed X.509 SVID response: leaf SPIFFE ID %q does not match declared ID %q", s.ID, id)
		}

		b, err := bundle.ParseX509Bundle(id.TrustDomain(), msg.Bundle)
		if err != nil {
			return nil, fmt.Errorf("malformed X.509 SVID response: %w", err)
		}

		svids = append(svids, s)
		bundles.Put(b)
	}

	for name, raw := range resp.FederatedBundles {
		td, err := spiffeid.TrustDomainFromString(name)
		if err != nil {
			return nil, fmt.Errorf("malformed X.509 SVID response: federated bundle: %w", err)
		}
		b, err := bundle.ParseX509Bundle(td, raw)
		if err != nil {
			return nil, fmt.Errorf("malformed X.509 SVID response: federated bundle: %w", err)
		}
		bundles.Put(b)
	}

	return &X509Context{SVIDs: svids, Bundles: bundles}, nil
}

// parseJWTBundleSet decodes one JWT bundle stream response.
func parseJWTBundleSet(resp *workload.JWTBundlesResponse) (*bundle.JWTSet, error) {
	if len(resp.Bundles) == 0 {
		return nil, fmt.Errorf("malformed JWT bundles response: no bundles in response")
	}

	set := bundle.EmptyJWTSet()
	for name, jwks := range resp.Bundles {
		td, err := spiffeid.TrustDomainFromString(name)
		if err != nil {
			return nil, fmt.Errorf("malformed JWT bundles response: %w", err)
		}
		b, err := bundle.ParseJWTBundle(td, jwks)
		if err != nil {
			return nil, fmt.Errorf("malformed JWT bundles response: %w", err)
		}
		set.Put(b)
	}
	return set, nil
}
