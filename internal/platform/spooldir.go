package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrJobGone marks a job file that no longer exists.
var ErrJobGone = errors.New("platform: job no longer in spool")

// ErrNotHoldable marks a pause attempt that lost the race with the printer.
var ErrNotHoldable = errors.New("platform: job already left the queue")

type spoolFile struct {
	Document string `json:"document"`
	Pages    int    `json:"pages"`
	Copies   int    `json:"copies"`
	Color    bool   `json:"color"`
	Status   string `json:"status"`
}

// SpoolDirSpooler watches a directory where the print pipeline drops one
// JSON control file per job (<id>.json). A <id>.hold marker keeps the
// pipeline from feeding the job to the printer. fsnotify change events are
// the primary detection path; the meter's polling covers the rest.
type SpoolDirSpooler struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewSpoolDirSpooler returns a spooler over dir, creating it if needed.
func NewSpoolDirSpooler(dir string, logger *zap.Logger) (*SpoolDirSpooler, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("platform: spool dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("platform: create spool dir: %w", err)
	}
	return &SpoolDirSpooler{dir: dir, logger: logger}, nil
}

// Start opens the fsnotify watcher and reports new or changed jobs.
func (s *SpoolDirSpooler) Start(ctx context.Context, onJob func(Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return errors.New("platform: spooler already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("platform: watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("platform: watch %s: %w", s.dir, err)
	}

	s.watcher = watcher
	s.done = make(chan struct{})
	go s.run(ctx, watcher, onJob, s.done)
	return nil
}

// Stop closes the watcher; no onJob callback fires after it returns.
func (s *SpoolDirSpooler) Stop() {
	s.mu.Lock()
	watcher := s.watcher
	done := s.done
	s.watcher = nil
	s.done = nil
	s.mu.Unlock()

	if watcher == nil {
		return
	}
	watcher.Close()
	<-done
}

func (s *SpoolDirSpooler) run(ctx context.Context, watcher *fsnotify.Watcher, onJob func(Job), done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Ext(ev.Name) != ".json" {
				continue
			}
			job, err := s.readJob(ev.Name)
			if err != nil {
				// Partial writes show up as transient decode errors; the
				// polling path picks the job up on the next pass.
				s.logger.Debug("spool file not readable yet", zap.String("file", ev.Name), zap.Error(err))
				continue
			}
			onJob(job)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("spool watcher error", zap.Error(err))
		}
	}
}

// List reads every job currently in the spool.
func (s *SpoolDirSpooler) List(_ context.Context) ([]Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var jobs []Job
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		job, err := s.readJob(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Status returns the current state of one job.
func (s *SpoolDirSpooler) Status(_ context.Context, id string) (JobStatus, error) {
	job, err := s.readJob(s.jobPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrJobGone
		}
		return "", err
	}
	return job.Status, nil
}

// Pause drops a hold marker. Racing a job that already completed or started
// printing fails with ErrNotHoldable.
func (s *SpoolDirSpooler) Pause(ctx context.Context, id string) error {
	status, err := s.Status(ctx, id)
	if err != nil {
		return err
	}
	if status == JobCompleted || status == JobPrinting || status == JobCanceled {
		return ErrNotHoldable
	}
	return os.WriteFile(s.holdPath(id), nil, 0o644)
}

// Resume removes the hold marker.
func (s *SpoolDirSpooler) Resume(_ context.Context, id string) error {
	err := os.Remove(s.holdPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Cancel marks the job canceled and releases any hold.
func (s *SpoolDirSpooler) Cancel(_ context.Context, id string) error {
	path := s.jobPath(id)
	job, err := s.readJob(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrJobGone
		}
		return err
	}
	job.Status = JobCanceled

	raw, err := json.Marshal(spoolFile{
		Document: job.Document,
		Pages:    job.Pages,
		Copies:   job.Copies,
		Color:    job.Color,
		Status:   string(job.Status),
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return err
	}
	return s.Resume(context.Background(), id)
}

func (s *SpoolDirSpooler) jobPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *SpoolDirSpooler) holdPath(id string) string {
	return filepath.Join(s.dir, id+".hold")
}

func (s *SpoolDirSpooler) readJob(path string) (Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Job{}, err
	}
	var file spoolFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return Job{}, err
	}

	id := strings.TrimSuffix(filepath.Base(path), ".json")
	status := JobStatus(file.Status)
	if status == "" {
		status = JobQueued
	}
	copies := file.Copies
	if copies <= 0 {
		copies = 1
	}
	return Job{
		ID:       id,
		Document: file.Document,
		Pages:    file.Pages,
		Copies:   copies,
		Color:    file.Color,
		Status:   status,
	}, nil
}
