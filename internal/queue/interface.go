package queue

import (
	"context"
	"errors"
	"time"
)

// KillRequest asks whichever agent is running a job to kill it
type KillRequest struct {
	JobID       int64     `json:"job_id"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func (k KillRequest) validate() error {
	if k.JobID <= 0 {
		return errors.New("job_id must be > 0")
	}
	return nil
}

// Client publishes kill requests and collects the ones addressed to every agent
type Client interface {
	Publish(ctx context.Context, request KillRequest) error
	EnsureConnected(ctx context.Context) error
	Drain(ctx context.Context) ([]int64, error)
	Close() error
}
