// Package confirm asks a user whether they are parked and waits for the
// answer, racing it against a deadline.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"spotwatch/internal/gps"
)

const DefaultTimeout = 30 * time.Second

type Outcome string

const (
	OutcomeYes     Outcome = "yes"
	OutcomeNo      Outcome = "no"
	OutcomeTimeout Outcome = "timeout"
)

type Answer string

const (
	AnswerYes Answer = "yes"
	AnswerNo  Answer = "no"
)

var (
	ErrUnknownPrompt = errors.New("confirm: no prompt waiting for answer")
	ErrInvalidAnswer = errors.New("confirm: answer must be yes or no")
)

func ParseAnswer(raw string) (Answer, error) {
	switch Answer(strings.ToLower(strings.TrimSpace(raw))) {
	case AnswerYes:
		return AnswerYes, nil
	case AnswerNo:
		return AnswerNo, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAnswer, raw)
}

// Prompt is one outstanding "are you parked?" question.
type Prompt struct {
	ID        string       `json:"prompt_id"`
	SessionID string       `json:"session_id"`
	Position  gps.Position `json:"position"`
	IssuedAt  time.Time    `json:"issued_at"`
	Deadline  time.Time    `json:"deadline"`
}

func NewPrompt(sessionID string, pos gps.Position, now time.Time, timeout time.Duration) Prompt {
	return Prompt{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Position:  pos,
		IssuedAt:  now,
		Deadline:  now.Add(timeout),
	}
}

// Channel puts a prompt in front of the user. The answer comes back out of
// band through Broker.Respond.
type Channel interface {
	RequestConfirmation(ctx context.Context, p Prompt) error
}

// Broker matches answers to the prompts waiting on them.
type Broker struct {
	Log *logrus.Entry

	mu      sync.Mutex
	waiting map[string]waiter
}

type waiter struct {
	sessionID string
	answers   chan Answer
}

func NewBroker(log *logrus.Entry) *Broker {
	return &Broker{Log: log, waiting: make(map[string]waiter)}
}

// Confirm dispatches p through ch and waits for the first of: an answer,
// the timeout, or ctx being done. A failing channel or a cancelled ctx
// resolves as OutcomeTimeout. The timeout runs from before dispatch, so a
// slow channel eats into it. The waiter and timer are released before
// Confirm returns.
func (b *Broker) Confirm(ctx context.Context, ch Channel, p Prompt, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	answers := make(chan Answer, 1)
	b.attach(p, answers)
	defer b.detach(p.ID)

	if ch == nil {
		b.logger().WithField("prompt_id", p.ID).Warn("no confirmation channel configured")
		return OutcomeTimeout
	}
	if err := ch.RequestConfirmation(ctx, p); err != nil {
		b.logger().WithFields(logrus.Fields{
			"prompt_id":  p.ID,
			"session_id": p.SessionID,
		}).WithError(err).Warn("confirmation request failed, treating as timeout")
		return OutcomeTimeout
	}

	select {
	case a := <-answers:
		if a == AnswerNo {
			return OutcomeNo
		}
		return OutcomeYes
	case <-timer.C:
		return OutcomeTimeout
	case <-ctx.Done():
		return OutcomeTimeout
	}
}

// Respond delivers an answer to a waiting prompt. Each prompt accepts one
// answer; later ones get ErrUnknownPrompt.
func (b *Broker) Respond(promptID string, a Answer) error {
	return b.respond("", promptID, a)
}

// RespondFor is Respond for answers arriving from a device. A prompt issued
// to another session is reported as unknown and stays open.
func (b *Broker) RespondFor(sessionID, promptID string, a Answer) error {
	if sessionID == "" {
		return ErrUnknownPrompt
	}
	return b.respond(sessionID, promptID, a)
}

func (b *Broker) respond(sessionID, promptID string, a Answer) error {
	if a != AnswerYes && a != AnswerNo {
		return fmt.Errorf("%w: %q", ErrInvalidAnswer, a)
	}
	b.mu.Lock()
	w, ok := b.waiting[promptID]
	if ok && sessionID != "" && w.sessionID != sessionID {
		ok = false
	}
	if ok {
		delete(b.waiting, promptID)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownPrompt
	}
	w.answers <- a
	return nil
}

// Pending returns the number of prompts waiting for an answer.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiting)
}

func (b *Broker) attach(p Prompt, ch chan Answer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.waiting == nil {
		b.waiting = make(map[string]waiter)
	}
	b.waiting[p.ID] = waiter{sessionID: p.SessionID, answers: ch}
}

func (b *Broker) detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.waiting, id)
}

func (b *Broker) logger() *logrus.Entry {
	if b.Log != nil {
		return b.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Protocol binds a Broker to the Channel prompts go out on.
type Protocol struct {
	Broker  *Broker
	Channel Channel
}

func (p *Protocol) Confirm(ctx context.Context, prompt Prompt, timeout time.Duration) Outcome {
	return p.Broker.Confirm(ctx, p.Channel, prompt, timeout)
}
