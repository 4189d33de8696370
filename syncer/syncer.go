// Package syncer drives pairs of peers toward collection equality with
// stateless, symmetric message exchanges.
//
// Each cycle the engine scans the local repository, summarizes it in a
// freshly seeded bloom filter sized by the adaptive false-positive rate,
// cross-checks the peer's previous filter to pick the commits the peer
// appears to lack, and exchanges messages. Received commits are persisted
// idempotently. The filter rate trades message size against the expected
// number of cycles until convergence.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/marcomow/goatdb/authz"
	"github.com/marcomow/goatdb/bloom"
	"github.com/marcomow/goatdb/config"
	"github.com/marcomow/goatdb/registry"
	"github.com/marcomow/goatdb/sched"
)

var (
	// ErrCycleRunning is returned when a cycle is requested while another
	// one is in flight. At most one cycle runs at any time.
	ErrCycleRunning = errors.New("syncer: cycle already running")
	// ErrOrgMismatch is returned for a message scoped to another org.
	ErrOrgMismatch = errors.New("syncer: message from different org")
)

// Exchanger delivers an outbound message to the peer and returns its reply.
// The wire is chosen by the caller; the engine only builds and interprets
// messages.
type Exchanger interface {
	Exchange(ctx context.Context, msg *Message) (*Message, error)
}

// ExchangeFunc adapts a function to the Exchanger interface.
type ExchangeFunc func(ctx context.Context, msg *Message) (*Message, error)

func (f ExchangeFunc) Exchange(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// high local write activity per cycle beyond which the engine sheds load
const activityHighWater = 64

// factor applied to the filter rate after an abandoned cycle: a coarser,
// smaller filter lowers the cost of the retry
const abandonedFPRFactor = 4

// Syncer synchronizes one repository against one peer at a time.
type Syncer struct {
	logger *zap.Logger
	cfg    config.SyncConfig
	clock  clockwork.Clock

	store    Store
	registry *registry.Registry
	matcher  *authz.Matcher
	session  *authz.Session

	repoPath string

	// state of the conversation with the peer; guarded by the busy flag
	// (at most one cycle mutates it at a time) plus mu for readers.
	mu         sync.Mutex
	peerFilter *bloom.Filter
	peerSize   int
	peerDenied []string
	localSize  int
	lastRTT    time.Duration
	interval   time.Duration
	raiseFPR   bool

	isBusy   atomic.Bool
	activity atomic.Int64
	forceCh  chan struct{}

	// run # since start, for logging only
	run uint64
}

// Opt configures a Syncer.
type Opt func(*Syncer)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(s *Syncer) { s.logger = logger }
}

// WithClock sets the clock used for pacing, TTL windowing and timing.
func WithClock(clock clockwork.Clock) Opt {
	return func(s *Syncer) { s.clock = clock }
}

// WithConfig sets the engine knobs.
func WithConfig(cfg config.SyncConfig) Opt {
	return func(s *Syncer) { s.cfg = cfg }
}

// WithRegistry sets the schema registry consulted during decode.
func WithRegistry(reg *registry.Registry) Opt {
	return func(s *Syncer) { s.registry = reg }
}

// WithMatcher sets the authorization matcher gating item access.
func WithMatcher(m *authz.Matcher) Opt {
	return func(s *Syncer) { s.matcher = m }
}

// WithSession sets the local session outbound reads are gated on.
func WithSession(sess *authz.Session) Opt {
	return func(s *Syncer) { s.session = sess }
}

// New creates a Syncer for one repository of the store.
func New(store Store, repoPath string, opts ...Opt) *Syncer {
	s := &Syncer{
		logger:   zap.NewNop(),
		cfg:      config.DefaultSyncConfig(),
		clock:    clockwork.NewRealClock(),
		store:    store,
		registry: registry.Default(),
		matcher:  authz.Default(),
		session:  &authz.Session{Owner: authz.Root},
		repoPath: authz.Normalize(repoPath),
		forceCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.interval = s.cfg.SyncInterval
	s.logger = s.logger.Named("syncer")
	return s
}

// Registry returns the registry incoming payloads are upgraded through.
func (s *Syncer) Registry() *registry.Registry { return s.registry }

// BuildMessage scans the repository and produces the next outbound message.
// The filter is freshly constructed and freshly seeded; the scan recounts
// the local collection. When the peer's filter is known and IncludeMissing
// is set, commits the filter does not report are attached. Cancelling ctx
// discards the partial filter and values; no partial message is emitted.
func (s *Syncer) BuildMessage(ctx context.Context) (*Message, error) {
	s.mu.Lock()
	peer := s.peerFilter
	peerSize := s.peerSize
	localSize := s.localSize
	raise := s.raiseFPR
	s.mu.Unlock()

	fpr := AdaptiveFPR(localSize, peerSize, s.cfg.ExpectedSyncCycles, s.cfg.LowAccuracy)
	if raise {
		fpr = min(0.5, fpr*abandonedFPRFactor)
	}
	n := max(1, localSize, peerSize)
	filter, err := bloom.New(n, fpr)
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}
	filterFPR.Set(fpr)

	var cutoff time.Time
	if s.cfg.TTL > 0 {
		cutoff = s.clock.Now().Add(-s.cfg.TTL)
	}
	includeMissing := s.cfg.IncludeMissing && peer != nil

	var (
		values []*Commit
		denied []string
		count  int
	)
	err = sched.ForEach2(ctx, s.store.Scan(s.repoPath), func(id string, c *Commit) error {
		if !cutoff.IsZero() && c.Created.Before(cutoff) {
			return nil
		}
		missing := includeMissing && !peer.Has(id)
		if !s.matcher.Allowed(s.store, s.repoPath, c.Key, s.session, authz.OpRead) {
			if missing {
				denied = append(denied, id)
				accessDeniedOutbound.Inc()
			}
			return nil
		}
		filter.Add(id)
		count++
		if missing {
			values = append(values, c)
		}
		return nil
	}, sched.Options{Priority: sched.Normal, Label: "build-sync-message"})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.localSize = count
	s.mu.Unlock()
	commitsSent.Add(float64(len(values)))
	return &Message{
		OrgID:        s.store.OrgID(),
		BuildVersion: ProtocolVersion,
		Filter:       filter,
		Size:         count,
		Values:       values,
		AccessDenied: denied,
	}, nil
}

// ProcessMessage persists the commits of an incoming message, gating each
// write on the sender's session, records the peer's access denials for
// diagnostics, and keeps the peer's filter for the next outbound build.
// Delivery order carries no meaning; commits are self-describing and
// persistence is idempotent on commit ID.
func (s *Syncer) ProcessMessage(ctx context.Context, from *authz.Session, m *Message) error {
	if m.OrgID != "" && m.OrgID != s.store.OrgID() {
		return fmt.Errorf("%w: %s", ErrOrgMismatch, m.OrgID)
	}
	if m.BuildVersion > ProtocolVersion {
		s.logger.Debug("accepting message from newer build",
			zap.Int("peer_version", m.BuildVersion))
	} else if m.BuildVersion < ProtocolVersion {
		s.logger.Debug("peer runs an older build",
			zap.Int("peer_version", m.BuildVersion))
	}

	var received int
	err := sched.ForEach(ctx, func(yield func(*Commit) bool) {
		for _, c := range m.Values {
			if !yield(c) {
				return
			}
		}
	}, func(c *Commit) error {
		if !s.matcher.Allowed(s.store, s.repoPath, c.Key, from, authz.OpWrite) {
			accessDeniedInbound.Inc()
			s.logger.Debug("rejecting unauthorized commit",
				zap.String("commit", c.ID), zap.String("key", c.Key))
			return nil
		}
		res, err := s.store.PutCommit(s.repoPath, c)
		if err != nil {
			return fmt.Errorf("persist commit %s: %w", c.ID, err)
		}
		if res == Inserted {
			received++
		}
		return nil
	}, sched.Options{Priority: sched.Normal, Label: "process-sync-message"})
	if err != nil {
		return err
	}
	commitsReceived.Add(float64(received))

	s.mu.Lock()
	s.peerFilter = m.Filter
	s.peerSize = m.Size
	s.peerDenied = m.AccessDenied
	s.mu.Unlock()
	return nil
}

// RunCycle performs one end-to-end cycle: build, exchange, process. The
// cycle is timed against the configured ceiling; on timeout it is abandoned
// as if it never ran, keeping the last good peer filter and coarsening the
// next filter. Cycle latency feeds the pacing of the next cycle.
func (s *Syncer) RunCycle(ctx context.Context, peer *authz.Session, ex Exchanger) error {
	if !s.isBusy.CompareAndSwap(false, true) {
		return ErrCycleRunning
	}
	defer s.isBusy.Store(false)
	s.run++
	logger := s.logger.With(zap.Uint64("run", s.run))

	start := s.clock.Now()
	cctx := ctx
	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}

	err := func() error {
		msg, err := s.BuildMessage(cctx)
		if err != nil {
			return fmt.Errorf("build: %w", err)
		}
		reply, err := ex.Exchange(cctx, msg)
		if err != nil {
			return fmt.Errorf("exchange: %w", err)
		}
		if err := s.ProcessMessage(cctx, peer, reply); err != nil {
			return fmt.Errorf("process: %w", err)
		}
		return nil
	}()
	if err != nil {
		cyclesAbandoned.Inc()
		s.mu.Lock()
		s.raiseFPR = errors.Is(err, context.DeadlineExceeded)
		s.mu.Unlock()
		logger.Warn("abandoning sync cycle", zap.Error(err))
		return err
	}

	latency := s.clock.Since(start)
	cycleDuration.Observe(latency.Seconds())
	s.mu.Lock()
	s.lastRTT = latency
	s.raiseFPR = false
	s.mu.Unlock()
	s.updateInterval(latency)
	logger.Debug("finished sync cycle",
		zap.Duration("latency", latency),
		zap.Duration("next_interval", s.Interval()))
	return nil
}

// updateInterval adjusts the cycle pacing: rising latency or local write
// activity lengthen the interval to shed load, quiet and fast cycles
// shorten it toward the floor to reduce perceived sync latency.
func (s *Syncer) updateInterval(latency time.Duration) {
	act := s.activity.Swap(0)
	s.mu.Lock()
	defer s.mu.Unlock()
	iv := s.interval
	if latency > iv/2 || act > activityHighWater {
		iv *= 2
	} else {
		iv /= 2
	}
	iv = max(s.cfg.MinSyncInterval, min(s.cfg.MaxSyncInterval, iv))
	s.interval = iv
}

// ReportActivity informs the pacer about local writes since the last cycle.
func (s *Syncer) ReportActivity(n int) {
	s.activity.Add(int64(n))
}

// Interval returns the current interval between cycles.
func (s *Syncer) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// PeerAccessDenied returns the IDs the peer reported withholding in its
// last message, for diagnostics.
func (s *Syncer) PeerAccessDenied() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.peerDenied))
	copy(out, s.peerDenied)
	return out
}

// ForceSync requests a cycle outside the regular pacing. It is ignored if a
// forced cycle is already pending.
func (s *Syncer) ForceSync() {
	select {
	case s.forceCh <- struct{}{}:
	default:
	}
}

// Start runs cycles against the peer until ctx is canceled, sleeping the
// adaptive interval between them.
func (s *Syncer) Start(ctx context.Context, peer *authz.Session, ex Exchanger) error {
	s.logger.Info("starting sync loop",
		zap.String("repo", s.repoPath),
		zap.Duration("interval", s.Interval()))
	timer := s.clock.NewTimer(s.Interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping sync to shutdown")
			return ctx.Err()
		case <-s.forceCh:
		case <-timer.Chan():
		}
		if err := s.RunCycle(ctx, peer, ex); err != nil && errors.Is(err, context.Canceled) {
			return err
		}
		timer.Reset(s.Interval())
	}
}

// StartBackground registers the sync loop on the scheduler and returns
// immediately.
func (s *Syncer) StartBackground(ctx context.Context, scheduler *sched.Scheduler, peer *authz.Session, ex Exchanger) {
	scheduler.Go(ctx, "sync-loop:"+s.repoPath, func(ctx context.Context) error {
		return s.Start(ctx, peer, ex)
	})
}
