package queue

import (
	"math"
	"time"

	"github.com/bobarin/memorial/internal/models"
	"github.com/bobarin/memorial/internal/services"
)

// Priority orders the render lists. Lower values are dequeued first.
type Priority int

const (
	PriorityRush     Priority = 1
	PriorityPremium  Priority = 2
	PriorityStandard Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityRush:
		return "rush"
	case PriorityPremium:
		return "premium"
	default:
		return "standard"
	}
}

// Priorities lists every class in dequeue order.
var Priorities = []Priority{PriorityRush, PriorityPremium, PriorityStandard}

// RetryPolicy decides whether and when a failed delivery runs again, and which
// priority class a tier is queued under.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Classes     map[models.DeliveryTier]Priority
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		MaxDelay:    5 * time.Minute,
		Multiplier:  2,
		Classes: map[models.DeliveryTier]Priority{
			models.TierRush:     PriorityRush,
			models.TierPremium:  PriorityPremium,
			models.TierStandard: PriorityStandard,
		},
	}
}

// ShouldRetry reports whether another attempt follows the failed attempt
// number attempt (1-based).
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if !services.Retryable(err) {
		return false
	}
	return attempt < p.MaxAttempts
}

// Backoff returns the delay before the attempt after attempt:
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// PriorityOf maps a delivery tier to its queue class. Unknown tiers queue as standard.
func (p RetryPolicy) PriorityOf(tier models.DeliveryTier) Priority {
	if c, ok := p.Classes[tier]; ok {
		return c
	}
	return PriorityStandard
}
