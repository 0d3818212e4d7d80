// Package session keeps one sample feed and one parking detector per
// connected device.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"spotwatch/internal/confirm"
	"spotwatch/internal/gps"
	"spotwatch/internal/notify"
	"spotwatch/internal/parking"
)

var (
	ErrNotFound    = errors.New("session: not found")
	ErrRateLimited = errors.New("session: sample rate exceeded")
	ErrClosed      = errors.New("session: closed")
	ErrInvalidID   = errors.New("session: id required")
)

// Observer extends the detector observer with session lifecycle events.
type Observer interface {
	parking.Observer
	SessionOpened()
	SessionClosed()
}

type Config struct {
	Policy    parking.Policy
	Confirmer parking.Confirmer
	Sink      notify.Sink
	Journal   parking.Journal
	Observer  Observer
	Log       *logrus.Entry
	Now       func() time.Time

	// SampleRate and SampleBurst bound how fast one session may publish.
	// A zero SampleRate disables limiting.
	SampleRate  rate.Limit
	SampleBurst int
	// DeriveSpeed fills a missing speed from the distance to the previous
	// positioned sample.
	DeriveSpeed bool
	IdleTimeout time.Duration
}

type session struct {
	id       string
	feed     *gps.Feed
	detector *parking.Detector
	cancel   context.CancelFunc
	limiter  *rate.Limiter

	mu       sync.Mutex
	lastSeen time.Time
	lastFix  *gps.Sample
}

type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func NewManager(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.SampleRate > 0 && cfg.SampleBurst <= 0 {
		cfg.SampleBurst = 1
	}
	return &Manager{cfg: cfg, sessions: make(map[string]*session)}
}

// Open starts a detector for id unless one is already running.
func (m *Manager) Open(id string) error {
	_, err := m.open(id)
	return err
}

func (m *Manager) open(id string) (*session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:       id,
		feed:     &gps.Feed{},
		cancel:   cancel,
		lastSeen: m.cfg.Now(),
	}
	if m.cfg.SampleRate > 0 {
		s.limiter = rate.NewLimiter(m.cfg.SampleRate, m.cfg.SampleBurst)
	}
	s.detector = parking.NewDetector(parking.Config{
		SessionID: id,
		Policy:    m.cfg.Policy,
		Source:    s.feed,
		Confirmer: m.cfg.Confirmer,
		Sink:      m.cfg.Sink,
		Journal:   m.cfg.Journal,
		Observer:  m.cfg.Observer,
		Log:       m.cfg.Log,
		Now:       m.cfg.Now,
	})
	if err := s.detector.Start(ctx); err != nil {
		cancel()
		return nil, err
	}
	m.sessions[id] = s
	m.cfg.Observer.SessionOpened()
	m.cfg.Log.WithField("session_id", id).Info("session opened")
	return s, nil
}

// Publish hands a sample to the session's detector, opening the session on
// first use. The sample is stamped with its arrival time when it has none.
func (m *Manager) Publish(id string, sample gps.Sample) error {
	_, err := m.PublishBatch(id, []gps.Sample{sample})
	return err
}

// PublishBatch hands samples to the session's detector in order. The rate
// limiter is charged for the whole batch up front, so a limited batch is
// refused before any of it is applied. It returns how many samples were
// handed over.
func (m *Manager) PublishBatch(id string, samples []gps.Sample) (int, error) {
	s, err := m.open(id)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, nil
	}
	now := m.cfg.Now()
	if s.limiter != nil && !s.limiter.AllowN(time.Now(), len(samples)) {
		for range samples {
			m.cfg.Observer.SampleDropped("rate_limited")
		}
		return 0, ErrRateLimited
	}

	for i, sample := range samples {
		if s.feed.Publish(m.prepare(s, sample, now)) == 0 {
			return i, ErrClosed
		}
	}
	return len(samples), nil
}

func (m *Manager) prepare(s *session, sample gps.Sample, now time.Time) gps.Sample {
	sample.Speed = gps.NormalizeSpeed(sample.Speed)
	if sample.Time.IsZero() {
		sample.Time = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sample.Speed == nil && m.cfg.DeriveSpeed && s.lastFix != nil {
		if v, ok := gps.DeriveSpeed(*s.lastFix, sample); ok {
			sample.Speed = &v
		}
	}
	if sample.Position != nil {
		fix := sample
		s.lastFix = &fix
	}
	s.lastSeen = now
	return sample
}

func (m *Manager) Snapshot(id string) (parking.Snapshot, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return parking.Snapshot{}, ErrNotFound
	}
	return s.detector.Snapshot(), nil
}

// IDs lists open sessions in lexical order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close stops the session's detector and waits until its outstanding
// prompt, if any, has been released.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.stop(s)
	return nil
}

func (m *Manager) stop(s *session) {
	s.cancel()
	<-s.detector.Done()
	m.cfg.Observer.SessionClosed()
	m.cfg.Log.WithField("session_id", s.id).Info("session closed")
}

// Shutdown closes every session and refuses new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	open := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		open = append(open, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, s := range open {
			wg.Add(1)
			go func(s *session) {
				defer wg.Done()
				m.stop(s)
			}(s)
		}
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReapIdle closes sessions that have not published since IdleTimeout
// before now. It returns how many were closed. A parked device stops
// reporting until it moves, so sessions that are confirmed parked or
// waiting on a prompt are kept.
func (m *Manager) ReapIdle(now time.Time) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*session
	for id, s := range m.sessions {
		s.mu.Lock()
		stale := s.lastSeen.Before(cutoff)
		s.mu.Unlock()
		if stale && !holdsPark(s.detector.Snapshot().State) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.stop(s)
	}
	return len(idle)
}

func holdsPark(st parking.State) bool {
	return st.ConfirmedParked || st.Awaiting
}

// RunReaper calls ReapIdle every interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.ReapIdle(m.cfg.Now()); n > 0 {
				m.cfg.Log.WithField("closed", n).Info("reaped idle sessions")
			}
		}
	}
}

type nopObserver struct{}

func (nopObserver) SampleObserved(gps.Motion)      {}
func (nopObserver) SampleDropped(string)           {}
func (nopObserver) PromptIssued()                  {}
func (nopObserver) PromptResolved(confirm.Outcome) {}
func (nopObserver) SpotOpening(bool)               {}
func (nopObserver) SessionOpened()                 {}
func (nopObserver) SessionClosed()                 {}
