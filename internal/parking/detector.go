package parking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"spotwatch/internal/confirm"
	"spotwatch/internal/gps"
	"spotwatch/internal/notify"
)

var ErrStopped = errors.New("parking: detector stopped")

const defaultBuffer = 64

// Confirmer asks the user about a prompt and always returns an outcome.
type Confirmer interface {
	Confirm(ctx context.Context, p confirm.Prompt, timeout time.Duration) confirm.Outcome
}

// Observer is told about every decision the detector makes.
type Observer interface {
	SampleObserved(m gps.Motion)
	SampleDropped(reason string)
	PromptIssued()
	PromptResolved(o confirm.Outcome)
	SpotOpening(located bool)
}

// Journal records prompts and their outcomes.
type Journal interface {
	RecordPrompt(ctx context.Context, p confirm.Prompt) error
	ResolvePrompt(ctx context.Context, promptID string, o confirm.Outcome, at time.Time) error
}

type Config struct {
	SessionID string
	Policy    Policy
	Source    gps.Source
	Confirmer Confirmer
	Sink      notify.Sink
	Journal   Journal
	Observer  Observer
	Log       *logrus.Entry
	Now       func() time.Time
	// Buffer is how many samples may queue before new ones are dropped.
	Buffer int
}

// Snapshot is a point-in-time view of a detector.
type Snapshot struct {
	SessionID string
	State     State
	Phase     Phase
	PromptID  string
}

type resolution struct {
	promptID string
	outcome  confirm.Outcome
}

// Detector runs Reduce and Resolve over a live sample stream. All state
// changes happen on the detector's loop goroutine.
type Detector struct {
	cfg      Config
	samples  chan gps.Sample
	outcomes chan resolution
	done     chan struct{}
	runOnce  sync.Once

	mu       sync.Mutex
	state    State
	promptID string
}

func NewDetector(cfg Config) *Detector {
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg.Log = cfg.Log.WithField("session_id", cfg.SessionID)
	return &Detector{
		cfg:      cfg,
		samples:  make(chan gps.Sample, cfg.Buffer),
		outcomes: make(chan resolution, 1),
		done:     make(chan struct{}),
	}
}

// Submit queues a sample without blocking. It reports false when the
// sample was dropped because the buffer is full or the detector stopped.
func (d *Detector) Submit(s gps.Sample) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.samples <- s:
		return true
	default:
		d.cfg.Observer.SampleDropped("buffer_full")
		return false
	}
}

// Done is closed once the detector has stopped and all helpers have exited.
func (d *Detector) Done() <-chan struct{} {
	return d.done
}

func (d *Detector) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		SessionID: d.cfg.SessionID,
		State:     d.state,
		Phase:     d.state.Phase(d.cfg.Now()),
		PromptID:  d.promptID,
	}
}

// Start subscribes to the source and processes samples on a new goroutine
// until ctx is done. Cancelling ctx unsubscribes and abandons any
// outstanding prompt; Done is closed once the prompt's timer and waiter
// are released. A detector can be started once.
func (d *Detector) Start(ctx context.Context) error {
	started := false
	d.runOnce.Do(func() { started = true })
	if !started {
		return ErrStopped
	}

	unsubscribe := func() {}
	if d.cfg.Source != nil {
		unsubscribe = d.cfg.Source.Subscribe(func(s gps.Sample) { d.Submit(s) })
	}
	go d.loop(ctx, unsubscribe)
	return nil
}

// Run is Start followed by waiting for Done.
func (d *Detector) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-d.done
	return nil
}

func (d *Detector) loop(ctx context.Context, unsubscribe func()) {
	var wg sync.WaitGroup
	defer close(d.done)
	defer wg.Wait()
	defer unsubscribe()

	d.cfg.Log.Debug("detector started")
	for {
		select {
		case <-ctx.Done():
			d.cfg.Log.Debug("detector stopped")
			return
		case s := <-d.samples:
			d.handleSample(ctx, s, &wg)
		case r := <-d.outcomes:
			d.handleOutcome(ctx, r)
		}
	}
}

func (d *Detector) handleSample(ctx context.Context, sample gps.Sample, wg *sync.WaitGroup) {
	if sample.Time.IsZero() {
		sample.Time = d.cfg.Now()
	}
	d.cfg.Observer.SampleObserved(d.cfg.Policy.Thresholds.Classify(sample.Speed))

	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	if state.Awaiting {
		d.cfg.Observer.SampleDropped("awaiting_confirmation")
		return
	}

	next, effects := Reduce(d.cfg.Policy, state, sample)

	var prompt *confirm.Prompt
	for _, e := range effects {
		switch e.Kind {
		case EffectRequestConfirmation:
			p := confirm.NewPrompt(d.cfg.SessionID, e.Position, e.At, d.cfg.Policy.ConfirmTimeout)
			prompt = &p
		case EffectSpotOpening:
			d.emitSpotOpening(ctx, e)
		case EffectDepartureUnlocated:
			d.cfg.Observer.SpotOpening(false)
			d.cfg.Log.Warn("departed without a position fix, spot not announced")
		}
	}

	d.mu.Lock()
	d.state = next
	if prompt != nil {
		d.promptID = prompt.ID
	}
	d.mu.Unlock()

	if prompt != nil {
		d.startConfirmation(ctx, *prompt, wg)
	}
}

func (d *Detector) startConfirmation(ctx context.Context, p confirm.Prompt, wg *sync.WaitGroup) {
	d.cfg.Observer.PromptIssued()
	d.cfg.Log.WithFields(logrus.Fields{
		"prompt_id": p.ID,
		"latitude":  p.Position.Lat,
		"longitude": p.Position.Lon,
	}).Info("asking whether parked")
	if d.cfg.Journal != nil {
		if err := d.cfg.Journal.RecordPrompt(ctx, p); err != nil {
			d.cfg.Log.WithError(err).Warn("record prompt")
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		outcome := confirm.OutcomeTimeout
		if d.cfg.Confirmer != nil {
			outcome = d.cfg.Confirmer.Confirm(ctx, p, d.cfg.Policy.ConfirmTimeout)
		}
		select {
		case d.outcomes <- resolution{promptID: p.ID, outcome: outcome}:
		case <-ctx.Done():
		}
	}()
}

func (d *Detector) handleOutcome(ctx context.Context, r resolution) {
	d.mu.Lock()
	if r.promptID != d.promptID {
		d.mu.Unlock()
		return
	}
	now := d.cfg.Now()
	d.state = Resolve(d.cfg.Policy, d.state, r.outcome, now)
	d.promptID = ""
	d.mu.Unlock()

	d.cfg.Observer.PromptResolved(r.outcome)
	d.cfg.Log.WithFields(logrus.Fields{
		"prompt_id": r.promptID,
		"outcome":   r.outcome,
	}).Info("parked prompt resolved")
	if d.cfg.Journal != nil {
		if err := d.cfg.Journal.ResolvePrompt(ctx, r.promptID, r.outcome, now); err != nil {
			d.cfg.Log.WithError(err).Warn("record prompt outcome")
		}
	}
}

func (d *Detector) emitSpotOpening(ctx context.Context, e Effect) {
	d.cfg.Observer.SpotOpening(true)
	d.cfg.Log.WithFields(logrus.Fields{
		"latitude":  e.Position.Lat,
		"longitude": e.Position.Lon,
	}).Info("departed, announcing spot")
	if d.cfg.Sink == nil {
		return
	}
	err := d.cfg.Sink.Notify(ctx, notify.Notification{
		SessionID: d.cfg.SessionID,
		Kind:      notify.KindSpotOpening,
		Payload:   notify.Payload{Latitude: e.Position.Lat, Longitude: e.Position.Lon},
		CreatedAt: e.At,
	})
	if err != nil {
		d.cfg.Log.WithError(err).Error("spot opening notification failed")
	}
}

type nopObserver struct{}

func (nopObserver) SampleObserved(gps.Motion)      {}
func (nopObserver) SampleDropped(string)           {}
func (nopObserver) PromptIssued()                  {}
func (nopObserver) PromptResolved(confirm.Outcome) {}
func (nopObserver) SpotOpening(bool)               {}
