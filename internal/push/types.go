package push

import (
	"context"
	"errors"
	"time"

	"cadence/internal/storage"
)

var (
	ErrDisabled = errors.New("push disabled")
	ErrStopped  = errors.New("push stopped")
)

// Sender delivers one push to its recipient. The real transport (device
// registration, payload delivery) lives outside this repo; the daemon
// wires a log-only sender by default.
type Sender interface {
	Send(ctx context.Context, p storage.Push) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, p storage.Push) error

func (f SenderFunc) Send(ctx context.Context, p storage.Push) error { return f(ctx, p) }

// Config controls the delivery worker.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - poll_interval: 15s
//   - batch_size: 100
//   - rate_per_sec: 5
//   - retry_max: 3
//   - retry_base: 30s
//   - retry_max_delay: 10m
type Config struct {
	Enabled       bool
	Workers       int
	PollInterval  time.Duration
	BatchSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Report summarizes one delivery pass.
type Report struct {
	Sent        int `json:"sent"`
	Rescheduled int `json:"rescheduled"`
	Failed      int `json:"failed"`
}

// Event is published on the bus for every delivery outcome.
type Event struct {
	Kind       string    `json:"kind"`
	UserID     int64     `json:"user_id"`
	ResourceID string    `json:"resource_id"`
	Attempts   int       `json:"attempts"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}
