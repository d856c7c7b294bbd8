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

// X509Source keeps the workload continuously supplied with X.509 identity
// material. A background watch drives the Workload API stream and publishes
// each validated update as an immutable snapshot behind a single atomic
// reference, so readers (TLS handshakes on arbitrary goroutines) never block
// and never observe a half-built update. Stream failures are retried with
// backoff while the last good snapshot stays visible.
type X509Source struct {
	client     *Client
	ownsClient bool
	logger     hclog.Logger
	acceptor   func(*X509Context) error
	scheduler  *retry.Scheduler

	watchCtx    context.Context
	cancelWatch context.CancelFunc

	snapshot atomic.Pointer[X509Context]

	closed   atomic.Bool
	closeMu  sync.Mutex
	closeErr error
	once     sync.Once

	initDone chan struct{}
	initOnce sync.Once
}

// NewX509Source constructs a source and blocks until the first snapshot is
// published, the init timeout elapses, or ctx is done. On failure every
// resource the source opened is released before returning.
func NewX509Source(ctx context.Context, options ...SourceOption) (*X509Source, error) {
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

	s := &X509Source{
		client:     client,
		ownsClient: ownsClient,
		logger:     config.logger.Named("x509source"),
		acceptor:   config.x509Acceptor,
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
		return nil, fmt.Errorf("%w: no X.509 context received: %v", ErrSourceInit, waitCtx.Err())
	}
}

// watch runs one stream session and arms a reconnect when it ends. Fired
// retry tasks re-enter watch; a closed source abandons instead.
func (s *X509Source) watch() {
	if s.closed.Load() {
		return
	}

	err := s.client.WatchX509Context(s.watchCtx, s)
	metrics.SetConnected(false)

	if s.closed.Load() || s.watchCtx.Err() != nil || !shouldReconnect(err) {
		return
	}

	metrics.RecordReconnect("x509")
	if !s.scheduler.ScheduleRetry(s.watch) {
		s.logger.Error("reconnect attempts exhausted, source will no longer receive updates", "error", err)
		metrics.RecordRetriesExhausted("x509")
	}
}

// OnX509ContextUpdate publishes the update unless the acceptance hook
// rejects it or the source has been closed.
func (s *X509Source) OnX509ContextUpdate(update *X509Context) {
	if s.acceptor != nil {
		if err := s.acceptor(update); err != nil {
			s.logger.Warn("update rejected by acceptance policy", "error", err)
			metrics.RecordUpdateRejected("x509", "policy")
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
	metrics.RecordUpdateReceived("x509")
	metrics.SetConnected(true)

	def := update.DefaultSVID()
	metrics.SVIDNotAfter.WithLabelValues(def.ID.String()).Set(float64(def.Leaf().NotAfter.Unix()))
	s.logger.Debug("X.509 context updated",
		"spiffe_id", def.ID,
		"svids", len(update.SVIDs),
		"trust_domains", update.Bundles.Len(),
	)

	s.initOnce.Do(func() { close(s.initDone) })
}

// OnX509ContextWatchError logs stream termination; the watch loop owns the
// reconnect decision.
func (s *X509Source) OnX509ContextWatchError(err error) {
	if s.closed.Load() || !shouldReconnect(err) {
		return
	}
	s.logger.Warn("X.509 context stream interrupted", "error", err)
}

// GetX509SVID returns the default SVID of the current snapshot. It never
// blocks on the network.
func (s *X509Source) GetX509SVID() (*svid.X509SVID, error) {
	snapshot, err := s.currentSnapshot()
	if err != nil {
		return nil, err
	}
	return snapshot.DefaultSVID(), nil
}

// GetX509Context returns the whole current snapshot.
func (s *X509Source) GetX509Context() (*X509Context, error) {
	return s.currentSnapshot()
}

// GetX509BundleForTrustDomain returns the bundle for the trust domain from
// the current snapshot. It implements bundle.X509Source.
func (s *X509Source) GetX509BundleForTrustDomain(td spiffeid.TrustDomain) (*bundle.X509Bundle, error) {
	snapshot, err := s.currentSnapshot()
	if err != nil {
		return nil, err
	}
	return snapshot.Bundles.Get(td)
}

func (s *X509Source) currentSnapshot() (*X509Context, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("X.509 source is %w", ErrClosed)
	}
	snapshot := s.snapshot.Load()
	if snapshot == nil {
		return nil, fmt.Errorf("%w: no X.509 context received yet", ErrSourceInit)
	}
	return snapshot, nil
}

// Close stops the watch, cancels pending reconnects, and closes the client
// if the source owns it. Safe to call more than once and concurrently with
// in-flight updates; further reads fail with ErrClosed.
func (s *X509Source) Close() error {
	s.once.Do(func() {
		s.closeMu.Lock()
		s.closed.Store(true)
		s.closeMu.Unlock()

		s.cancelWatch()
		s.scheduler.Stop()
		if s.ownsClient {
			s.closeErr = s.client.Close()
		}
		s.logger.Debug("X.509 source closed")
	})
	return s.closeErr
}
