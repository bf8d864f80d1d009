package printmeter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kiosknet/internal/events"
	"kiosknet/internal/models"
	"kiosknet/internal/platform"
)

const defaultPollInterval = 2 * time.Second

// BudgetStore is the remote-store subset holding the authoritative print
// balance. Every deduction re-reads the latest remote value; a cached local
// balance would lose updates against other writers (payment credits, a
// second kiosk).
type BudgetStore interface {
	GetUser(ctx context.Context, userID string) (models.UserRecord, error)
	UpdateUser(ctx context.Context, userID string, fields map[string]any) error
}

// Recorder journals job dispositions durably. Optional.
type Recorder interface {
	RecordJob(ctx context.Context, computerID, userID string, job models.PrintJob) error
}

// Config tunes the meter.
type Config struct {
	UnitPrice    float64
	PollInterval time.Duration
	ComputerID   string
}

// Meter intercepts spooled print jobs, prices them, authorizes them against
// the user's remote budget, and reconciles jobs that escaped interception.
type Meter struct {
	spooler platform.Spooler
	budget  BudgetStore
	ledger  Recorder
	bus     *events.Bus
	logger  *zap.Logger

	unitPrice    float64
	pollInterval time.Duration
	computerID   string
	now          func() time.Time

	// budgetMu serializes the read-modify-write on the remote balance so
	// concurrent jobs cannot lose updates.
	budgetMu sync.Mutex

	mu      sync.Mutex
	seen    map[string]struct{}
	userID  string
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewMeter builds a print meter. ledger may be nil.
func NewMeter(spooler platform.Spooler, budget BudgetStore, ledger Recorder, bus *events.Bus, cfg Config, logger *zap.Logger) *Meter {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Meter{
		spooler:      spooler,
		budget:       budget,
		ledger:       ledger,
		bus:          bus,
		logger:       logger,
		unitPrice:    cfg.UnitPrice,
		pollInterval: interval,
		computerID:   cfg.ComputerID,
		now:          time.Now,
	}
}

// Start begins watching the print queue for the given user. The
// notification path failing to start is degraded, not fatal: polling covers
// detection alone.
func (m *Meter) Start(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("printmeter: already started")
	}
	if m.unitPrice <= 0 {
		return errors.New("printmeter: unit price not configured")
	}

	m.userID = userID
	m.seen = make(map[string]struct{})
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	if err := m.spooler.Start(ctx, func(job platform.Job) {
		m.handleJob(ctx, job)
	}); err != nil {
		m.logger.Warn("print queue notifications unavailable, polling only", zap.Error(err))
	}

	go m.pollLoop(ctx, m.done)
	return nil
}

// Stop halts detection. Safe to call twice.
func (m *Meter) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.spooler.Stop()
}

func (m *Meter) pollLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx)
		}
	}
}

func (m *Meter) pollOnce(ctx context.Context) {
	jobs, err := m.spooler.List(ctx)
	if err != nil {
		m.logger.Warn("print queue poll failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		if job.Status == platform.JobCanceled {
			continue
		}
		m.handleJob(ctx, job)
	}
}

// handleJob is the single processing path fed by both detection routes.
func (m *Meter) handleJob(ctx context.Context, job platform.Job) {
	if ctx.Err() != nil {
		return
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	if _, dup := m.seen[job.ID]; dup {
		m.mu.Unlock()
		return
	}
	m.seen[job.ID] = struct{}{}
	userID := m.userID
	m.mu.Unlock()

	if err := m.processJob(ctx, userID, job); err != nil {
		// Allow the polling path to retry the job; a dropped charge is
		// worse than a delayed decision.
		m.logger.Error("print job processing failed",
			zap.String("job_id", job.ID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		m.forget(job.ID)
	}
}

func (m *Meter) forget(jobID string) {
	m.mu.Lock()
	delete(m.seen, jobID)
	m.mu.Unlock()
}

func (m *Meter) processJob(ctx context.Context, userID string, job platform.Job) error {
	record := models.PrintJob{
		ID:           job.ID,
		DocumentName: job.Document,
		Pages:        job.Pages,
		Copies:       job.Copies,
		IsColor:      job.Color,
		Cost:         m.cost(job),
		DetectedAt:   m.now().UTC(),
	}

	if job.Status == platform.JobCompleted {
		return m.chargeEscaped(ctx, userID, record)
	}

	pauseErr := m.spooler.Pause(ctx, job.ID)
	if pauseErr != nil {
		status, statusErr := m.spooler.Status(ctx, job.ID)
		if statusErr == nil && status == platform.JobCompleted {
			return m.chargeEscaped(ctx, userID, record)
		}
		if errors.Is(statusErr, platform.ErrJobGone) {
			// Left the queue without completing; nothing to charge.
			m.logger.Info("print job vanished before decision", zap.String("job_id", job.ID))
			return nil
		}
		m.logger.Warn("print job pause failed, deciding unheld",
			zap.String("job_id", job.ID), zap.Error(pauseErr))
	}

	m.budgetMu.Lock()
	defer m.budgetMu.Unlock()

	user, err := m.budget.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	if user.PrintBalance >= record.Cost {
		newBalance := user.PrintBalance - record.Cost
		if err := m.budget.UpdateUser(ctx, userID, map[string]any{
			"print_balance": newBalance,
			"updated_at":    m.now().UTC(),
		}); err != nil {
			return err
		}
		record.Disposition = models.DispositionAllowed
		m.journal(ctx, userID, record)

		if err := m.spooler.Resume(ctx, job.ID); err != nil {
			m.logger.Warn("print job resume failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		m.logger.Info("print job allowed",
			zap.String("job_id", job.ID),
			zap.String("document", record.DocumentName),
			zap.Float64("cost", record.Cost),
			zap.Float64("remaining_budget", newBalance),
		)
		m.bus.Publish(events.JobAllowed{
			Document:        record.DocumentName,
			Pages:           record.Pages,
			Cost:            record.Cost,
			RemainingBudget: newBalance,
		})
		return nil
	}

	// Insufficient budget: cancel, no deduction.
	if err := m.spooler.Cancel(ctx, job.ID); err != nil && !errors.Is(err, platform.ErrJobGone) {
		m.logger.Warn("print job cancel failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	record.Disposition = models.DispositionBlocked
	m.journal(ctx, userID, record)
	m.logger.Info("print job blocked",
		zap.String("job_id", job.ID),
		zap.String("document", record.DocumentName),
		zap.Float64("cost", record.Cost),
		zap.Float64("budget", user.PrintBalance),
	)
	m.bus.Publish(events.JobBlocked{
		Document: record.DocumentName,
		Pages:    record.Pages,
		Cost:     record.Cost,
		Budget:   user.PrintBalance,
	})
	return nil
}

// chargeEscaped deducts retroactively for a job that reached the printer
// unauthorized, even when that drives the balance negative. Correctness
// favors the operator over silent loss.
func (m *Meter) chargeEscaped(ctx context.Context, userID string, record models.PrintJob) error {
	m.budgetMu.Lock()
	defer m.budgetMu.Unlock()

	user, err := m.budget.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	newBalance := user.PrintBalance - record.Cost
	fields := map[string]any{
		"print_balance": newBalance,
		"updated_at":    m.now().UTC(),
	}
	if newBalance < 0 {
		fields["print_debt"] = true
	}
	if err := m.budget.UpdateUser(ctx, userID, fields); err != nil {
		return err
	}

	record.Disposition = models.DispositionEscapedCharged
	m.journal(ctx, userID, record)
	m.logger.Warn("escaped print job charged",
		zap.String("job_id", record.ID),
		zap.String("document", record.DocumentName),
		zap.Float64("cost", record.Cost),
		zap.Float64("balance", newBalance),
	)
	m.bus.Publish(events.JobEscapedCharged{
		Document: record.DocumentName,
		Pages:    record.Pages,
		Cost:     record.Cost,
		Balance:  newBalance,
	})
	return nil
}

// cost prices a job. Color detection is not metered; every page is priced
// at the monochrome unit rate.
func (m *Meter) cost(job platform.Job) float64 {
	copies := job.Copies
	if copies <= 0 {
		copies = 1
	}
	return float64(job.Pages) * float64(copies) * m.unitPrice
}

func (m *Meter) journal(ctx context.Context, userID string, record models.PrintJob) {
	if m.ledger == nil {
		return
	}
	if err := m.ledger.RecordJob(ctx, m.computerID, userID, record); err != nil {
		m.logger.Error("print ledger write failed",
			zap.String("job_id", record.ID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}
