package workloadapi

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"

	"spiffe-workload-source/bundle"
	"spiffe-workload-source/internal/retry"
)

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	addr   string
	conn   *grpc.ClientConn
	logger hclog.Logger
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		logger: hclog.NewNullLogger(),
	}
}

// WithAddr sets the Workload API endpoint address (unix:///path or
// tcp://host:port). When unset, the SPIFFE_ENDPOINT_SOCKET environment
// variable is consulted.
func WithAddr(addr string) ClientOption {
	return func(c *clientConfig) {
		c.addr = addr
	}
}

// WithGRPCConn supplies an established gRPC channel instead of dialing one.
// The caller keeps ownership; Close will not close a supplied channel.
func WithGRPCConn(conn *grpc.ClientConn) ClientOption {
	return func(c *clientConfig) {
		c.conn = conn
	}
}

// WithLogger sets the client logger. Defaults to a no-op logger.
func WithLogger(logger hclog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// SourceOption configures an X509Source or JWTSource.
type SourceOption func(*sourceConfig)

type sourceConfig struct {
	client        *Client
	clientOptions []ClientOption
	logger        hclog.Logger
	initTimeout   time.Duration
	retryConfig   retry.Config
	x509Acceptor  func(*X509Context) error
	jwtAcceptor   func(*bundle.JWTSet) error
}

func defaultSourceConfig() sourceConfig {
	return sourceConfig{
		logger: hclog.NewNullLogger(),
	}
}

// WithClient supplies an existing Workload API client. The caller keeps
// ownership; closing the source will not close a supplied client.
func WithClient(client *Client) SourceOption {
	return func(c *sourceConfig) {
		c.client = client
	}
}

// WithClientOptions configures the client the source constructs for itself.
// Ignored when WithClient is used.
func WithClientOptions(options ...ClientOption) SourceOption {
	return func(c *sourceConfig) {
		c.clientOptions = options
	}
}

// WithSourceLogger sets the source logger. Defaults to a no-op logger.
func WithSourceLogger(logger hclog.Logger) SourceOption {
	return func(c *sourceConfig) {
		c.logger = logger
	}
}

// WithInitTimeout bounds how long source construction blocks waiting for the
// first snapshot. Zero means wait until the construction context is done.
func WithInitTimeout(timeout time.Duration) SourceOption {
	return func(c *sourceConfig) {
		c.initTimeout = timeout
	}
}

// WithRetryPolicy tunes the reconnect backoff: starting delay, delay
// ceiling, and the number of consecutive failures tolerated before the
// source stops reconnecting (0 = unlimited).
func WithRetryPolicy(initialDelay, maxDelay time.Duration, maxRetries int) SourceOption {
	return func(c *sourceConfig) {
		c.retryConfig.InitialDelay = initialDelay
		c.retryConfig.MaxDelay = maxDelay
		c.retryConfig.MaxRetries = maxRetries
	}
}

// WithX509ContextAcceptor installs a hook that may reject an inbound X.509
// update, e.g. for bundle pinning. A rejected update is dropped and the
// previously published snapshot stands.
func WithX509ContextAcceptor(acceptor func(*X509Context) error) SourceOption {
	return func(c *sourceConfig) {
		c.x509Acceptor = acceptor
	}
}

// WithJWTBundlesAcceptor is the JWT bundle counterpart of
// WithX509ContextAcceptor.
func WithJWTBundlesAcceptor(acceptor func(*bundle.JWTSet) error) SourceOption {
	return func(c *sourceConfig) {
		c.jwtAcceptor = acceptor
	}
}
