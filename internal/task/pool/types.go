package pool

import (
	"context"
	"time"
)

// Config controls the pool.
//
// Defaults (when fields are zero):
//   - Workers: 8
//   - QueueSize: 256
//   - HistorySize: 100
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// Task is a unit of work executed by the pool.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	// SkipIfRunning rejects the task with ErrOverlapSkip while another task
	// with the same Name is queued or running.
	SkipIfRunning bool
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int `json:"workers"`
	QueueLen int `json:"queue_len"`
	QueueCap int `json:"queue_cap"`
	InFlight int `json:"in_flight"`

	// Running lists the names of queued or executing tasks.
	Running []string `json:"running,omitempty"`

	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	History []HistoryItem `json:"history,omitempty"`
}
