// Package notify delivers out-of-band alerts for Critical events. Delivery
// is fire-and-forget: callers log failures and carry on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/msageha/phasegate/internal/model"
)

var ErrRateLimited = errors.New("notification rate limited")

type Notifier interface {
	Notify(ctx context.Context, ev model.Event) error
}

type Func func(ctx context.Context, ev model.Event) error

func (f Func) Notify(ctx context.Context, ev model.Event) error { return f(ctx, ev) }

// Multi delivers to every notifier concurrently. A failing notifier does
// not cut the others short; the first failure is returned.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev model.Event) error {
	var g errgroup.Group
	for i, n := range m {
		i, n := i, n
		g.Go(func() error {
			if err := n.Notify(ctx, ev); err != nil {
				return fmt.Errorf("notifier %d (%T): %w", i, n, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RateLimited drops notifications above perMinute with ErrRateLimited.
type RateLimited struct {
	next    Notifier
	limiter *rate.Limiter
}

func NewRateLimited(next Notifier, perMinute int) *RateLimited {
	if perMinute <= 0 {
		return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

func (r *RateLimited) Notify(ctx context.Context, ev model.Event) error {
	if !r.limiter.Allow() {
		return fmt.Errorf("%w: event %s", ErrRateLimited, ev.ID)
	}
	return r.next.Notify(ctx, ev)
}

// Title and Message render ev for human-facing channels.
func Title(ev model.Event) string {
	cat := ev.Category
	if cat == "" {
		cat = "event"
	}
	return fmt.Sprintf("phasegate: %s %s", ev.Urgency, cat)
}

var summaryFields = []string{"subject", "title", "message", "text", "body"}

func Message(ev model.Event) string {
	for _, k := range summaryFields {
		if s, ok := ev.Payload[k].(string); ok && strings.TrimSpace(s) != "" {
			return truncate(fmt.Sprintf("[%s] %s", ev.Source, s), 200)
		}
	}
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return truncate(fmt.Sprintf("[%s] %s (%s)", ev.Source, ev.ID, strings.Join(keys, ", ")), 200)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
