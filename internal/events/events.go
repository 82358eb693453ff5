// Package events fans round lifecycle notifications out to subscribers.
// Publishing happens after commit and never affects accounting: sinks log
// their own failures and never return them to the caller.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type names a lifecycle event.
type Type string

const (
	RoundOpened       Type = "round.opened"
	RoundLocked       Type = "round.locked"
	RoundSettled      Type = "round.settled"
	BetPlaced         Type = "bet.placed"
	WithdrawalUpdated Type = "withdrawal.updated"
)

// Event is the envelope delivered to every sink.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	RoundCode string    `json:"round_code,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

// New stamps an event with an ID and the current time.
func New(t Type, roundCode, userID string, data any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		RoundCode: roundCode,
		UserID:    userID,
		Data:      data,
		At:        time.Now().UTC(),
	}
}

// Publisher delivers events. Implementations must not block for long.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) {}

// Multi publishes to every sink in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

// Recorder keeps published events in memory. Used in tests.
type Recorder struct {
	ch chan Event
}

// NewRecorder buffers up to size events; extra events are dropped.
func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	select {
	case r.ch <- e:
	default:
	}
}

// Drain returns every event recorded so far.
func (r *Recorder) Drain() []Event {
	var out []Event
	for {
		select {
		case e := <-r.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
