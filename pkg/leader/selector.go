package leader

import (
	"context"
	"sync"
	"time"

	"github.com/Abraxas-365/qorch/pkg/logx"
	"github.com/WatchBeam/clock"
)

// Duty is a periodic task that runs only on the leader.
type Duty struct {
	Name     string
	Interval time.Duration
	// RunOnAcquire runs the duty once as soon as leadership is gained.
	RunOnAcquire bool
	Fn           func(ctx context.Context) error
}

// SelectorOptions configures a Selector.
type SelectorOptions struct {
	// Interval defaults to a third of the lease.
	Interval time.Duration
	Clock    clock.Clock
	// Observer is told about every leadership change.
	Observer func(leader bool)
}

// SelectorOption is a functional option for the selector.
type SelectorOption func(*SelectorOptions)

func WithInterval(d time.Duration) SelectorOption {
	return func(o *SelectorOptions) {
		if d > 0 {
			o.Interval = d
		}
	}
}

func WithClock(c clock.Clock) SelectorOption {
	return func(o *SelectorOptions) {
		if c != nil {
			o.Clock = c
		}
	}
}

func WithObserver(fn func(leader bool)) SelectorOption {
	return func(o *SelectorOptions) {
		o.Observer = fn
	}
}

// Selector runs the election loop for one node: the holder renews, followers
// try to acquire. Leadership is held locally only until the last successful
// acquire or renew plus the lease, so a node cut off from the store steps
// down before another node can take over.
type Selector struct {
	elector Elector
	nodeID  string
	opts    SelectorOptions

	mu        sync.Mutex
	leader    bool
	deadline  time.Time
	cancel    context.CancelFunc
	duties    []Duty
	onAcquire []func(ctx context.Context)
	onLose    []func()
	running   bool
	wg        sync.WaitGroup
}

// NewSelector creates a selector for nodeID.
func NewSelector(elector Elector, nodeID string, options ...SelectorOption) *Selector {
	opts := SelectorOptions{
		Interval: elector.LeaseDuration() / 3,
		Clock:    clock.C,
	}
	for _, o := range options {
		o(&opts)
	}
	return &Selector{
		elector: elector,
		nodeID:  nodeID,
		opts:    opts,
	}
}

// AddDuty registers a leader-only periodic task. Must be called before Run.
func (s *Selector) AddDuty(d Duty) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duties = append(s.duties, d)
}

// OnAcquire registers fn to run in its own goroutine whenever leadership is
// gained. ctx is canceled when leadership is lost.
func (s *Selector) OnAcquire(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAcquire = append(s.onAcquire, fn)
}

// OnLose registers fn to run synchronously whenever leadership is lost.
func (s *Selector) OnLose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLose = append(s.onLose, fn)
}

// AmILeader reports whether this node holds an unexpired lease.
func (s *Selector) AmILeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader && s.opts.Clock.Now().Before(s.deadline)
}

// NodeID returns the id this selector campaigns with.
func (s *Selector) NodeID() string { return s.nodeID }

// Run campaigns until ctx is done, then releases the lease.
func (s *Selector) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return leaderErrors.New(ErrAlreadyRunning)
	}
	s.running = true
	s.mu.Unlock()

	logx.WithFields(logx.Fields{
		"node_id":  s.nodeID,
		"interval": s.opts.Interval.String(),
	}).Info("leader: election loop started")

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one election round.
func (s *Selector) Tick(ctx context.Context) {
	started := s.opts.Clock.Now()
	lease := s.elector.LeaseDuration()

	if s.AmILeader() {
		ok, err := s.elector.Renew(ctx, s.nodeID)
		switch {
		case err != nil:
			// Keep the local deadline; step down once it passes.
			logx.WithError(err).WithField("node_id", s.nodeID).Warn("leader: renew failed")
			if !s.AmILeader() {
				s.lose("renew failed past deadline")
			}
		case ok:
			s.mu.Lock()
			s.deadline = started.Add(lease)
			s.mu.Unlock()
		default:
			s.lose("lease taken over")
		}
		return
	}

	if s.isMarkedLeader() {
		s.lose("lease expired locally")
	}

	ok, err := s.elector.TryAcquire(ctx, s.nodeID)
	if err != nil {
		logx.WithError(err).WithField("node_id", s.nodeID).Debug("leader: acquire failed")
		return
	}
	if ok {
		s.acquire(ctx, started.Add(lease))
	}
}

func (s *Selector) isMarkedLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

func (s *Selector) acquire(parent context.Context, deadline time.Time) {
	s.mu.Lock()
	leaderCtx, cancel := context.WithCancel(parent)
	s.leader = true
	s.deadline = deadline
	s.cancel = cancel
	hooks := append([]func(context.Context){}, s.onAcquire...)
	duties := append([]Duty{}, s.duties...)
	s.mu.Unlock()

	logx.WithField("node_id", s.nodeID).Info("leader: leadership acquired")
	if s.opts.Observer != nil {
		s.opts.Observer(true)
	}

	for _, fn := range hooks {
		s.wg.Add(1)
		go func(fn func(context.Context)) {
			defer s.wg.Done()
			fn(leaderCtx)
		}(fn)
	}
	for _, d := range duties {
		s.wg.Add(1)
		go func(d Duty) {
			defer s.wg.Done()
			runDuty(leaderCtx, d)
		}(d)
	}
}

func (s *Selector) lose(reason string) {
	s.mu.Lock()
	if !s.leader {
		s.mu.Unlock()
		return
	}
	s.leader = false
	cancel := s.cancel
	s.cancel = nil
	hooks := append([]func(){}, s.onLose...)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	logx.WithFields(logx.Fields{"node_id": s.nodeID, "reason": reason}).Warn("leader: leadership lost")
	if s.opts.Observer != nil {
		s.opts.Observer(false)
	}
	for _, fn := range hooks {
		fn()
	}
}

func (s *Selector) shutdown() {
	wasLeader := s.isMarkedLeader()
	s.lose("shutdown")
	s.wg.Wait()

	if wasLeader {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.elector.Release(ctx, s.nodeID); err != nil {
			logx.WithError(err).WithField("node_id", s.nodeID).Warn("leader: release failed")
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	logx.WithField("node_id", s.nodeID).Info("leader: election loop stopped")
}

func runDuty(ctx context.Context, d Duty) {
	run := func() {
		if err := d.Fn(ctx); err != nil && ctx.Err() == nil {
			logx.WithError(err).WithField("duty", d.Name).Warn("leader: duty failed")
		}
	}

	if d.RunOnAcquire {
		run()
	}
	if d.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
