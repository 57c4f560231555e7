package cron

import (
	"context"
	"errors"
	"time"
)

// Purger removes trashed versions older than a cutoff.
type Purger interface {
	PurgeTrash(olderThan time.Duration) ([]string, error)
}

// PurgeJobName is the name the trash purge job registers under.
const PurgeJobName = "purge-trash"

// NewPurgeJob builds the job that empties stale trash entries.
// A zero olderThan purges everything in the trash.
func NewPurgeJob(schedule string, olderThan time.Duration, p Purger) (*Job, error) {
	if p == nil {
		return nil, errors.New("purge job requires a purger")
	}
	if olderThan < 0 {
		return nil, errors.New("purge age must not be negative")
	}
	return &Job{
		Name:     PurgeJobName,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := p.PurgeTrash(olderThan)
			return err
		},
	}, nil
}
