package gorillaws

import (
	"time"

	"github.com/roomsync/roomsync.go/pkg/constants"
)

// Retryer paces reconnect attempts.
type Retryer interface {
	// NextDelay returns the delay before reconnect attempt number attempt
	// (0-based) and whether to attempt at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset is called after a successful reconnect.
	Reset()
}

// FixedDelayRetryer waits the same Delay before every attempt.
type FixedDelayRetryer struct {
	Delay time.Duration

	// MaxRetries stops retrying after that many failed attempts. 0 retries forever.
	MaxRetries int
}

// NewFixedDelayRetryer retries forever every constants.DefaultReconnectDelay.
func NewFixedDelayRetryer() *FixedDelayRetryer {
	return &FixedDelayRetryer{Delay: constants.DefaultReconnectDelay}
}

func (r *FixedDelayRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

func (r *FixedDelayRetryer) Reset() {}

// NoRetry never reconnects.
type NoRetry struct{}

func (NoRetry) NextDelay(int, error) (time.Duration, bool) { return 0, false }
func (NoRetry) Reset()                                     {}
