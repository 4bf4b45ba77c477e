// Package poller drives externally hosted jobs to completion.
//
// A Session owns exactly one JobHandle. It calls its Submitter once right
// away and then on every tick of a fixed-interval ticker, never with more
// than one call outstanding, until the job reports COMPLETED (or FAILED, or
// the optional retry bounds run out). All session state is mutated by the
// session's own goroutine; Status may be read from anywhere.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nijaru/vidscribe/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultInterval        = 4 * time.Second
	DefaultStartMessage    = "Converting..."
	DefaultProgressMessage = "Still converting... (will auto-refresh)"
)

// Submitter performs one request-response exchange for a handle. Any
// returned error is treated as transient by the session.
type Submitter interface {
	Submit(ctx context.Context, h models.JobHandle) (models.JobStatus, error)
}

// Observer receives every state change. It runs on the session goroutine
// and must not call Stop on the session it observes.
type Observer func(h models.JobHandle, ps models.PollState, s models.JobStatus)

// Ticker is the subset of time.Ticker a session needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

type Config struct {
	// Interval between polls. The first poll does not wait for it.
	Interval time.Duration

	// MaxAttempts and MaxDuration bound the retries. Zero means poll until
	// the job completes.
	MaxAttempts int
	MaxDuration time.Duration

	StartMessage    string
	ProgressMessage string

	NewTicker func(time.Duration) Ticker
	Now       func() time.Time
	Logger    *logrus.Entry
}

func DefaultConfig() Config {
	return Config{
		Interval:        DefaultInterval,
		StartMessage:    DefaultStartMessage,
		ProgressMessage: DefaultProgressMessage,
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.StartMessage == "" {
		c.StartMessage = DefaultStartMessage
	}
	if c.ProgressMessage == "" {
		c.ProgressMessage = DefaultProgressMessage
	}
	if c.NewTicker == nil {
		c.NewTicker = newTimeTicker
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}

type result struct {
	status models.JobStatus
	err    error
}

type Session struct {
	handle    models.JobHandle
	known     string
	submitter Submitter
	observer  Observer
	cfg       Config
	logger    *logrus.Entry

	mu        sync.RWMutex
	pollState models.PollState
	status    models.JobStatus
	cancel    context.CancelFunc

	// owned by the run goroutine
	inFlight  bool
	startedAt time.Time

	startOnce sync.Once
	done      chan struct{}
}

// NewSession creates an idle session. A non-empty knownArtifact means the
// caller already has the result; Start then completes without polling.
func NewSession(h models.JobHandle, knownArtifact string, submitter Submitter, cfg Config, observer Observer) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		handle:    h,
		known:     knownArtifact,
		submitter: submitter,
		observer:  observer,
		cfg:       cfg,
		logger: cfg.Logger.WithFields(logrus.Fields{
			"kind":        h.Kind,
			"content_key": h.ContentKey,
		}),
		pollState: models.PollIdle,
		status:    models.JobStatus{State: models.StateNotStarted},
		done:      make(chan struct{}),
	}
}

// Start begins polling. Calling it more than once, or after Stop, is a no-op.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		if s.known != "" {
			s.logger.Debug("Artifact already known, skipping poll")
			st := models.Completed(s.known)
			st.UpdatedAt = s.cfg.Now()
			s.set(models.PollCompleted, st)
			close(s.done)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()

		s.set(models.PollPolling, models.JobStatus{
			State:     models.StateInProgress,
			Message:   s.cfg.StartMessage,
			UpdatedAt: s.cfg.Now(),
		})
		go s.run(ctx)
	})
}

// Stop tears the session down and waits for its goroutine to exit. A
// response that arrives afterwards is discarded.
func (s *Session) Stop() {
	s.startOnce.Do(func() { close(s.done) })

	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	<-s.done
}

// Done is closed once the session can no longer change state.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Status() (models.PollState, models.JobStatus) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pollState, s.status
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	ticker := s.cfg.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	results := make(chan result, 1)
	s.startedAt = s.cfg.Now()
	s.poll(ctx, results)

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Poll session torn down")
			return
		case <-ticker.C():
			if s.inFlight {
				s.logger.Debug("Previous poll still in flight, skipping tick")
				continue
			}
			s.poll(ctx, results)
		case res := <-results:
			s.inFlight = false
			if ctx.Err() != nil {
				return
			}
			if s.apply(res) {
				return
			}
		}
	}
}

func (s *Session) poll(ctx context.Context, results chan<- result) {
	s.inFlight = true
	go func() {
		st, err := s.submitter.Submit(ctx, s.handle)
		results <- result{status: st, err: err}
	}()
}

// apply folds one submitter result into the session and reports whether
// the session reached a terminal state.
func (s *Session) apply(res result) bool {
	s.mu.RLock()
	st := s.status
	s.mu.RUnlock()

	now := s.cfg.Now()
	st.Attempts++
	st.UpdatedAt = now
	ps := models.PollPolling

	switch {
	case res.err != nil:
		st.LastError = res.err.Error()
		st.Message = s.cfg.ProgressMessage
		s.logger.WithError(res.err).WithField("attempt", st.Attempts).Warn("Poll failed, will retry")
	case res.status.IsCompleted() && res.status.ArtifactRef != "":
		st.State = models.StateCompleted
		st.ArtifactRef = res.status.ArtifactRef
		st.LastError = ""
		st.Message = ""
		ps = models.PollCompleted
	case res.status.IsCompleted():
		st.LastError = "job reported completion without an artifact reference"
		st.Message = s.cfg.ProgressMessage
		s.logger.Warn("Completed response had no artifact reference")
	case res.status.IsFailed():
		st.State = models.StateFailed
		st.LastError = res.status.LastError
		if st.LastError == "" {
			st.LastError = "job failed"
		}
		st.Message = ""
		ps = models.PollFailed
	default:
		st.State = models.StateInProgress
		st.LastError = ""
		st.Message = res.status.Message
		if st.Message == "" {
			st.Message = s.cfg.ProgressMessage
		}
	}

	if ps == models.PollPolling {
		if reason := s.exhausted(st.Attempts, now); reason != "" {
			st.State = models.StateFailed
			st.LastError = reason
			st.Message = ""
			ps = models.PollFailed
		}
	}

	s.set(ps, st)

	switch ps {
	case models.PollCompleted:
		s.logger.WithFields(logrus.Fields{
			"artifact_ref": st.ArtifactRef,
			"attempts":     st.Attempts,
		}).Info("Job completed")
		return true
	case models.PollFailed:
		s.logger.WithFields(logrus.Fields{
			"error":    st.LastError,
			"attempts": st.Attempts,
		}).Error("Job failed")
		return true
	}
	return false
}

func (s *Session) exhausted(attempts int, now time.Time) string {
	if s.cfg.MaxAttempts > 0 && attempts >= s.cfg.MaxAttempts {
		return fmt.Sprintf("gave up after %d attempts", attempts)
	}
	if s.cfg.MaxDuration > 0 && now.Sub(s.startedAt) >= s.cfg.MaxDuration {
		return fmt.Sprintf("gave up after %s", s.cfg.MaxDuration)
	}
	return ""
}

func (s *Session) set(ps models.PollState, st models.JobStatus) {
	s.mu.Lock()
	s.pollState = ps
	s.status = st
	s.mu.Unlock()

	if s.observer != nil {
		s.observer(s.handle, ps, st)
	}
}
