package workloadapi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"spiffe-workload-source/bundle"
	"spiffe-workload-source/internal/metrics"
	"spiffe-workload-source/internal/retry"
	"spiffe-workload-source/spiffeid"
	"spiffe-workload-source/svid"
)

// JWTSource keeps the JWT trust bundles fresh via the FetchJWTBundles stream
// and fetches JWT-SVIDs on demand. Snapshot and retry discipline mirror
// X509Source.
type JWTSource struct {
	client     *Client
	ownsClient bool
	logger     hclog.Logger
	acceptor   func(*bundle.JWTSet) error
	scheduler  *retry.Scheduler

	watchCtx    context.Context
	cancelWatch context.CancelFunc

	snapshot atomic.Pointer[bundle.JWTSet]

	closed   atomic.Bool
	closeMu  sync.Mutex
	closeErr error
	once     sync.Once

	initDone chan struct{}
	initOnce sync.Once
}

// NewJWTSource constructs a source and blocks until the first bundle set is
// published, the init timeout elapses, or ctx is done.
func NewJWTSource(ctx context.Context, options ...SourceOption) (*JWTSource, error) {
	config := defaultSourceConfig()
	for _, opt := range options {
		opt(&config)
	}

	client := config.client
	ownsClient := false
	if client == nil {
		var err error
		client, err = New(config.clientOptions...)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceInit, err)
		}
		ownsClient = true
	}

	s := &JWTSource{
		client:     client,
		ownsClient: ownsClient,
		logger:     config.logger.Named("jwtsource"),
		acceptor:   config.jwtAcceptor,
		scheduler:  retry.NewScheduler(config.retryConfig),
		initDone:   make(chan struct{}),
	}
	s.watchCtx, s.cancelWatch = context.WithCancel(context.Background())

	go s.watch()

	waitCtx := ctx
	if config.initTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, config.initTimeout)
		defer cancel()
	}

	select {
	case <-s.initDone:
		return s, nil
	case <-waitCtx.Done():
		s.Close()
		return nil, fmt.Errorf("%w: no JWT bundles received: %v", ErrSourceInit, waitCtx.Err())
	}
}

func (s *JWTSource) watch() {
	if s.closed.Load() {
		return
	}

	err := s.client.WatchJWTBundles(s.watchCtx, s)

	if s.closed.Load() || s.watchCtx.Err() != nil || !shouldReconnect(err) {
		return
	}

	metrics.RecordReconnect("jwt")
	if !s.scheduler.ScheduleRetry(s.watch) {
		s.logger.Error("reconnect attempts exhausted, source will no longer receive updates", "error", err)
		metrics.RecordRetriesExhausted("jwt")
	}
}

// OnJWTBundlesUpdate publishes the update unless the acceptance hook
// rejects it or the source has been closed.
func (s *JWTSource) OnJWTBundlesUpdate(update *bundle.JWTSet) {
	if s.acceptor != nil {
		if err := s.acceptor(update); err != nil {
			s.logger.Warn("update rejected by acceptance policy", "error", err)
			metrics.RecordUpdateRejected("jwt", "policy")
			return
		}
	}

	s.closeMu.Lock()
	if s.closed.Load() {
		s.closeMu.Unlock()
		return
	}
	s.snapshot.Store(update)
	s.closeMu.Unlock()

	s.scheduler.Reset()
	metrics.RecordUpdateReceived("jwt")
	s.logger.Debug("JWT bundles updated", "trust_domains", update.Len())

	s.initOnce.Do(func() { close(s.initDone) })
}

// OnJWTBundlesWatchError logs stream termination; the watch loop owns the
// reconnect decision.
func (s *JWTSource) OnJWTBundlesWatchError(err error) {
	if s.closed.Load() || !shouldReconnect(err) {
		return
	}
	s.logger.Warn("JWT bundle stream interrupted", "error", err)
}

// GetJWTBundleForTrustDomain returns the bundle for the trust domain from
// the current snapshot. It implements bundle.JWTSource.
func (s *JWTSource) GetJWTBundleForTrustDomain(td spiffeid.TrustDomain) (*bundle.JWTBundle, error) {
	snapshot, err := s.currentSnapshot()
	if err != nil {
		return nil, err
	}
	return snapshot.Get(td)
}

// FetchJWTSVID fetches a fresh JWT-SVID from the agent. Unlike bundle reads
// this is a network call.
func (s *JWTSource) FetchJWTSVID(ctx context.Context, params JWTSVIDParams) (*svid.JWTSVID, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("JWT source is %w", ErrClosed)
	}
	return s.client.FetchJWTSVID(ctx, params)
}

func (s *JWTSource) currentSnapshot() (*bundle.JWTSet, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("JWT source is %w", ErrClosed)
	}
	snapshot := s.snapshot.Load()
	if snapshot == nil {
		return nil, fmt.Errorf("%w: no JWT bundles received yet", ErrSourceInit)
	}
	return snapshot, nil
}

// Close stops the watch, cancels pending reconnects, and closes the client
// if the source owns it.
func (s *JWTSource) Close() error {
	s.once.Do(func() {
		s.closeMu.Lock()
		s.closed.Store(true)
		s.closeMu.Unlock()

		s.cancelWatch()
		s.scheduler.Stop()
		if s.ownsClient {
			s.closeErr = s.client.Close()
		}
		s.logger.Debug("JWT source closed")
	})
	return s.closeErr
}
