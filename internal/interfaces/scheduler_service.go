package interfaces

import (
	"context"
	"time"
)

// JobStatus represents the current status of a scheduled job
type JobStatus struct {
	Name        string
	Enabled     bool
	Schedule    string
	Description string
	LastRun     *time.Time
	NextRun     *time.Time
	IsRunning   bool
	LastError   string
}

// JobHandler is the body of a scheduled maintenance job
type JobHandler func(ctx context.Context) error

// SchedulerService manages cron-based maintenance jobs
type SchedulerService interface {
	Start() error

	// Stop halts the cron loop and waits for running jobs
	Stop() error

	IsRunning() bool

	// RegisterJob registers a new job with the scheduler
	RegisterJob(name string, schedule string, description string, handler JobHandler) error

	// RunJob executes a registered job immediately, outside its schedule
	RunJob(name string) error

	EnableJob(name string) error
	DisableJob(name string) error

	// GetJobStatus returns the status of a specific job
	GetJobStatus(name string) (*JobStatus, error)

	// GetAllJobStatuses returns all job statuses
	GetAllJobStatuses() map[string]*JobStatus
}
