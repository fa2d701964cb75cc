// Package ratelimit enforces per-account request budgets for the cloud drive
// API. Each account gets three independent queues (listing, link generation,
// everything else); within a queue, call starts are spaced at least the
// class's minimum interval apart and waiters are admitted in arrival order.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Class is an endpoint class with its own request budget.
type Class int

// Endpoint classes.
const (
	ClassList Class = iota
	ClassLink
	ClassOther
	numClasses
)

func (c Class) String() string {
	switch c {
	case ClassList:
		return "list"
	case ClassLink:
		return "link"
	case ClassOther:
		return "other"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Observed request budgets of the drive API, in calls per second.
const (
	listPerSecond  = 3.9
	linkPerSecond  = 0.9
	otherPerSecond = 14.9
)

// Intervals holds the minimum spacing between call starts per class.
type Intervals struct {
	List  time.Duration
	Link  time.Duration
	Other time.Duration
}

// DefaultIntervals returns roughly 256ms for listing, 1.1s for link
// generation and 67ms for everything else.
func DefaultIntervals() Intervals {
	return Intervals{
		List:  perSecond(listPerSecond),
		Link:  perSecond(linkPerSecond),
		Other: perSecond(otherPerSecond),
	}
}

func perSecond(n float64) time.Duration {
	return time.Duration(float64(time.Second) / n)
}

func (iv Intervals) of(c Class) time.Duration {
	switch c {
	case ClassList:
		return iv.List
	case ClassLink:
		return iv.Link
	default:
		return iv.Other
	}
}

// Observer receives the time each call spent queued. Nil disables observation.
type Observer interface {
	ObserveWait(class string, d time.Duration)
}

// Limiter serializes call starts for one account.
type Limiter struct {
	classes  [numClasses]*rate.Limiter
	observer Observer
}

// NewLimiter builds a limiter. A zero interval leaves that class unlimited.
func NewLimiter(iv Intervals, observer Observer) *Limiter {
	l := &Limiter{observer: observer}

	for c := range numClasses {
		l.classes[c] = newClassLimiter(iv.of(c))
	}

	return l
}

// newClassLimiter returns a token bucket of size one refilled once per
// interval. rate.Limiter hands out reservations under its mutex in call
// order, so each waiter is scheduled exactly one interval after the previous
// one regardless of when it wakes.
func newClassLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}

	return rate.NewLimiter(rate.Every(interval), 1)
}

// Wait blocks until a call in class may start, or ctx is done.
func (l *Limiter) Wait(ctx context.Context, c Class) error {
	if c < 0 || c >= numClasses {
		c = ClassOther
	}

	start := time.Now()

	if err := l.classes[c].Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: waiting for %s slot: %w", c, err)
	}

	if l.observer != nil {
		l.observer.ObserveWait(c.String(), time.Since(start))
	}

	return nil
}
