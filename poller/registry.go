package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nijaru/vidscribe/errors"
	"github.com/nijaru/vidscribe/models"
	"github.com/sirupsen/logrus"
)

// Store persists the last known status of each handle.
type Store interface {
	Save(ctx context.Context, rec *models.JobRecord) error
	Find(ctx context.Context, h models.JobHandle) (*models.JobRecord, error)
}

// Messages overrides the user-facing progress strings for one job kind.
type Messages struct {
	Start    string
	Progress string
}

type RegistryConfig struct {
	Poll     Config
	Messages map[models.JobKind]Messages

	// IdleTimeout tears down sessions nobody has looked at for this long.
	// Zero disables reaping.
	IdleTimeout time.Duration
	SaveTimeout time.Duration
}

type entry struct {
	session  *Session
	lastSeen time.Time
}

// Registry keeps at most one live session per handle and records every
// update in the Store.
type Registry struct {
	submitters map[models.JobKind]Submitter
	store      Store
	cfg        RegistryConfig
	logger     *logrus.Entry

	mu       sync.Mutex
	sessions map[models.JobHandle]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(submitters map[models.JobKind]Submitter, store Store, cfg RegistryConfig) *Registry {
	cfg.Poll = cfg.Poll.withDefaults()
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		submitters: submitters,
		store:      store,
		cfg:        cfg,
		logger:     cfg.Poll.Logger.WithField("component", "poller.Registry"),
		sessions:   make(map[models.JobHandle]*entry),
		ctx:        ctx,
		cancel:     cancel,
	}

	if cfg.IdleTimeout > 0 {
		r.wg.Add(1)
		go r.monitorIdleSessions()
	}
	return r
}

// Start returns the live session for h, creating one if needed. A known
// artifact, passed in or found in the store, completes the session without
// polling. A passed-in artifact also replaces a live session that has not
// completed yet.
func (r *Registry) Start(ctx context.Context, h models.JobHandle, knownArtifact string) (*Session, error) {
	const op = "Registry.Start"

	if err := h.Validate(); err != nil {
		return nil, errors.InvalidInput(op, err, err.Error())
	}
	submitter, ok := r.submitters[h.Kind]
	if !ok {
		return nil, errors.InvalidInput(op, nil, fmt.Sprintf("no submitter for kind %s", h.Kind))
	}

	if s := r.touch(h); s != nil && !supersedes(s, knownArtifact) {
		return s, nil
	}

	if knownArtifact == "" && r.store != nil {
		rec, err := r.store.Find(ctx, h)
		switch {
		case err == nil && rec.Status.IsCompleted():
			knownArtifact = rec.Status.ArtifactRef
		case err != nil && !errors.IsNotFound(err):
			r.logger.WithError(err).WithField("handle", h.String()).Warn("Job store lookup failed")
		}
	}

	var stale *Session
	r.mu.Lock()
	if e, ok := r.sessions[h]; ok {
		if !supersedes(e.session, knownArtifact) {
			e.lastSeen = r.cfg.Poll.Now()
			r.mu.Unlock()
			return e.session, nil
		}
		stale = e.session
	}
	s := NewSession(h, knownArtifact, submitter, r.pollConfig(h.Kind), r.persist)
	r.sessions[h] = &entry{session: s, lastSeen: r.cfg.Poll.Now()}
	r.mu.Unlock()

	if stale != nil {
		stale.Stop()
	}

	r.logger.WithFields(logrus.Fields{
		"handle":         h.String(),
		"known_artifact": knownArtifact != "",
		"replaced":       stale != nil,
	}).Info("Starting poll session")

	s.Start(r.ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-s.Done()
		r.remove(h, s)
	}()

	return s, nil
}

// Lookup returns the live session state for h, falling back to the store.
func (r *Registry) Lookup(ctx context.Context, h models.JobHandle) (models.PollState, models.JobStatus, error) {
	const op = "Registry.Lookup"

	if s := r.touch(h); s != nil {
		ps, st := s.Status()
		return ps, st, nil
	}

	if r.store == nil {
		return "", models.JobStatus{}, errors.NotFound(op, nil, "Job not found")
	}
	rec, err := r.store.Find(ctx, h)
	if err != nil {
		return "", models.JobStatus{}, err
	}
	return pollStateOf(rec.Status.State), rec.Status, nil
}

// Stop tears down the live session for h and reports whether one existed.
func (r *Registry) Stop(h models.JobHandle) bool {
	r.mu.Lock()
	e, ok := r.sessions[h]
	if ok {
		delete(r.sessions, h)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	e.session.Stop()
	r.logger.WithField("handle", h.String()).Info("Poll session stopped")
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops every session and the idle monitor.
func (r *Registry) Close() {
	r.cancel()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for h, e := range r.sessions {
		sessions = append(sessions, e.session)
		delete(r.sessions, h)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	r.wg.Wait()
}

// supersedes reports whether a caller-supplied artifact should replace the
// live session s.
func supersedes(s *Session, knownArtifact string) bool {
	if knownArtifact == "" {
		return false
	}
	ps, _ := s.Status()
	return ps != models.PollCompleted
}

func (r *Registry) touch(h models.JobHandle) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[h]
	if !ok {
		return nil
	}
	e.lastSeen = r.cfg.Poll.Now()
	return e.session
}

func (r *Registry) pollConfig(kind models.JobKind) Config {
	cfg := r.cfg.Poll
	if m, ok := r.cfg.Messages[kind]; ok {
		if m.Start != "" {
			cfg.StartMessage = m.Start
		}
		if m.Progress != "" {
			cfg.ProgressMessage = m.Progress
		}
	}
	return cfg
}

func (r *Registry) remove(h models.JobHandle, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[h]; ok && e.session == s {
		delete(r.sessions, h)
	}
}

func (r *Registry) persist(h models.JobHandle, ps models.PollState, st models.JobStatus) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SaveTimeout)
	defer cancel()

	if err := r.store.Save(ctx, &models.JobRecord{Handle: h, Status: st}); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"handle":     h.String(),
			"poll_state": ps,
		}).Error("Failed to persist job status")
	}
}

func (r *Registry) monitorIdleSessions() {
	defer r.wg.Done()

	interval := r.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle(r.cfg.Poll.Now())
		}
	}
}

// reapIdle stops sessions whose last read is older than IdleTimeout.
func (r *Registry) reapIdle(now time.Time) int {
	r.mu.Lock()
	var idle []models.JobHandle
	for h, e := range r.sessions {
		if now.Sub(e.lastSeen) > r.cfg.IdleTimeout {
			idle = append(idle, h)
		}
	}
	r.mu.Unlock()

	reaped := 0
	for _, h := range idle {
		if r.Stop(h) {
			reaped++
			r.logger.WithField("handle", h.String()).Warn("Reaped idle poll session")
		}
	}
	return reaped
}

func pollStateOf(s models.JobState) models.PollState {
	switch s {
	case models.StateCompleted:
		return models.PollCompleted
	case models.StateFailed:
		return models.PollFailed
	default:
		return models.PollIdle
	}
}
