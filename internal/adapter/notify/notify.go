// Package notify delivers pipeline progress messages. Delivery is best
// effort: callers log failures and carry on.
package notify

import (
	"context"
	"errors"
	"time"
)

// Stage names the pipeline step an event reports on.
type Stage string

const (
	StageDownloaded Stage = "downloaded"
	StageIngested   Stage = "ingested"
	StageEnqueued   Stage = "enqueued"
	StageFailed     Stage = "failed"
)

// Event is one progress message.
type Event struct {
	Stage    Stage     `json:"stage"`
	Forecast string    `json:"forecast"`
	Day      time.Time `json:"day"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// Sink delivers events.
type Sink interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

// Notify implements Sink.
func (Nop) Notify(context.Context, Event) error { return nil }
