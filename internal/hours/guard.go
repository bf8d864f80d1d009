package hours

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kiosknet/internal/events"
	"kiosknet/internal/orgmeta"
)

// GraceBehavior selects what happens when close plus grace passes during an
// active session.
type GraceBehavior string

const (
	// GraceWarn only warns the user; the session keeps running.
	GraceWarn GraceBehavior = "warn"
	// GraceEnd ends the session.
	GraceEnd GraceBehavior = "end"
)

// Phase is where "now" falls relative to the open window.
type Phase int

const (
	PhaseOpen Phase = iota
	PhaseGrace
	PhaseClosed
)

const minutesPerDay = 24 * 60

// Schedule is a parsed operating-hours window. Close may wrap past midnight.
type Schedule struct {
	openMinute  int
	closeMinute int
	grace       time.Duration
	behavior    GraceBehavior
}

// ParseSchedule validates org metadata into a Schedule.
func ParseSchedule(h orgmeta.OperatingHours) (Schedule, error) {
	open, err := parseClock(h.OpenTime)
	if err != nil {
		return Schedule{}, fmt.Errorf("hours: open time: %w", err)
	}
	closeAt, err := parseClock(h.CloseTime)
	if err != nil {
		return Schedule{}, fmt.Errorf("hours: close time: %w", err)
	}
	if h.GracePeriodMinutes < 0 {
		return Schedule{}, fmt.Errorf("hours: negative grace period %d", h.GracePeriodMinutes)
	}

	behavior := GraceBehavior(h.GraceBehavior)
	if behavior != GraceEnd {
		behavior = GraceWarn
	}

	return Schedule{
		openMinute:  open,
		closeMinute: closeAt,
		grace:       time.Duration(h.GracePeriodMinutes) * time.Minute,
		behavior:    behavior,
	}, nil
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed clock value %q", s)
	}
	hh, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	mm, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("clock value out of range %q", s)
	}
	return hh*60 + mm, nil
}

// Behavior returns the configured grace behavior.
func (s Schedule) Behavior() GraceBehavior { return s.behavior }

// IsWithinHours reports whether now falls inside the nominal open window,
// grace excluded. An open time equal to close time means always open.
func (s Schedule) IsWithinHours(now time.Time) bool {
	if s.openMinute == s.closeMinute {
		return true
	}
	return inWindow(minuteOfDay(now), s.openMinute, s.closeMinute)
}

// PhaseAt classifies now into open, grace, or closed.
func (s Schedule) PhaseAt(now time.Time) Phase {
	if s.IsWithinHours(now) {
		return PhaseOpen
	}
	if s.grace > 0 {
		graceEnd := (s.closeMinute + int(s.grace.Minutes())) % minutesPerDay
		if inWindow(minuteOfDay(now), s.closeMinute, graceEnd) {
			return PhaseGrace
		}
	}
	return PhaseClosed
}

// GraceDeadline returns the instant the current or upcoming grace window
// ends, relative to now.
func (s Schedule) GraceDeadline(now time.Time) time.Time {
	closeToday := time.Date(now.Year(), now.Month(), now.Day(),
		s.closeMinute/60, s.closeMinute%60, 0, 0, now.Location())
	// Most recent close at or before now.
	if closeToday.After(now) {
		closeToday = closeToday.AddDate(0, 0, -1)
	}
	return closeToday.Add(s.grace)
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// inWindow reports start <= m < end on a wrapping 24h dial.
func inWindow(m, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// Guard watches the clock during an active session and emits
// HoursEndingSoon / HoursEnded exactly once each per session.
type Guard struct {
	schedule Schedule
	bus      *events.Bus
	onEnded  func(GraceBehavior)
	logger   *zap.Logger

	now      func() time.Time
	interval time.Duration

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	warnedSoon bool
	ended      bool
}

// NewGuard builds a guard. onEnded runs once when close plus grace passes.
func NewGuard(schedule Schedule, bus *events.Bus, onEnded func(GraceBehavior), logger *zap.Logger) *Guard {
	return &Guard{
		schedule: schedule,
		bus:      bus,
		onEnded:  onEnded,
		logger:   logger,
		now:      time.Now,
		interval: 30 * time.Second,
	}
}

// Schedule returns the guard's parsed window.
func (g *Guard) Schedule() Schedule { return g.schedule }

// Phase classifies now against the guard's window.
func (g *Guard) Phase(now time.Time) Phase { return g.schedule.PhaseAt(now) }

// Start begins the periodic check. No-op when already running.
func (g *Guard) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	g.warnedSoon = false
	g.ended = false

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})

	go g.run(ctx, g.done)
}

// Stop halts the checks; no callback fires after Stop returns.
func (g *Guard) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	done := g.done
	g.cancel = nil
	g.done = nil
	g.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (g *Guard) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	g.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.check(ctx)
		}
	}
}

func (g *Guard) check(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	now := g.now()
	switch g.schedule.PhaseAt(now) {
	case PhaseGrace:
		g.mu.Lock()
		first := !g.warnedSoon
		g.warnedSoon = true
		g.mu.Unlock()
		if first {
			deadline := g.schedule.GraceDeadline(now)
			g.logger.Info("operating hours ending soon", zap.Time("deadline", deadline))
			g.bus.Publish(events.HoursEndingSoon{ClosesAt: deadline})
		}
	case PhaseClosed:
		g.mu.Lock()
		first := !g.ended
		g.ended = true
		g.mu.Unlock()
		if first {
			g.logger.Info("operating hours ended", zap.String("behavior", string(g.schedule.behavior)))
			g.bus.Publish(events.HoursEnded{})
			if g.onEnded != nil {
				g.onEnded(g.schedule.behavior)
			}
		}
	}
}
