package platform

import "context"

// JobStatus is the spooler-side state of a print job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobPaused    JobStatus = "paused"
	JobPrinting  JobStatus = "printing"
	JobCompleted JobStatus = "completed"
	JobCanceled  JobStatus = "canceled"
)

// Job is one spooled print job as the OS reports it.
type Job struct {
	ID       string
	Document string
	Pages    int
	Copies   int
	Color    bool
	Status   JobStatus
}

// Spooler is the narrow OS print-queue surface the meter depends on. Start
// wires the event-driven notification path; List backs the polling
// fallback. Implementations must tolerate Pause racing job completion.
type Spooler interface {
	Start(ctx context.Context, onJob func(Job)) error
	Stop()
	List(ctx context.Context) ([]Job, error)
	Status(ctx context.Context, id string) (JobStatus, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// ProcessCleanup resets the desktop between users.
type ProcessCleanup interface {
	CleanupUserProcesses(ctx context.Context) error
}

// BrowserCleanup closes browsers and clears their user data.
type BrowserCleanup interface {
	CloseAndClearBrowsers(ctx context.Context) error
}

// NoopCleanup satisfies both cleanup contracts on platforms without hooks.
type NoopCleanup struct{}

func (NoopCleanup) CleanupUserProcesses(context.Context) error  { return nil }
func (NoopCleanup) CloseAndClearBrowsers(context.Context) error { return nil }
