package hours

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"kiosknet/internal/events"
	"kiosknet/internal/orgmeta"
)

func mustSchedule(t *testing.T, open, close string, graceMinutes int, behavior string) Schedule {
	t.Helper()
	s, err := ParseSchedule(orgmeta.OperatingHours{
		OpenTime:           open,
		CloseTime:          close,
		GracePeriodMinutes: graceMinutes,
		GraceBehavior:      behavior,
	})
	if err != nil {
		t.Fatalf("parse schedule: %v", err)
	}
	return s
}

func at(t *testing.T, clock string) time.Time {
	t.Helper()
	parsed, err := time.Parse("15:04", clock)
	if err != nil {
		t.Fatalf("parse clock: %v", err)
	}
	return time.Date(2026, 8, 25, parsed.Hour(), parsed.Minute(), 0, 0, time.UTC)
}

func TestIsWithinHours(t *testing.T) {
	cases := []struct {
		name        string
		open, close string
		now         string
		want        bool
	}{
		{"daytime inside", "09:00", "22:00", "13:30", true},
		{"daytime at open", "09:00", "22:00", "09:00", true},
		{"daytime at close", "09:00", "22:00", "22:00", false},
		{"daytime before open", "09:00", "22:00", "08:59", false},
		{"overnight evening", "20:00", "04:00", "23:30", true},
		{"overnight after midnight", "20:00", "04:00", "02:15", true},
		{"overnight closed midday", "20:00", "04:00", "12:00", false},
		{"overnight at close", "20:00", "04:00", "04:00", false},
		{"always open when equal", "10:00", "10:00", "03:00", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := mustSchedule(t, tc.open, tc.close, 0, "warn")
			if got := s.IsWithinHours(at(t, tc.now)); got != tc.want {
				t.Fatalf("IsWithinHours(%s)=%v want %v", tc.now, got, tc.want)
			}
		})
	}
}

func TestPhaseAtWithGrace(t *testing.T) {
	s := mustSchedule(t, "09:00", "22:00", 15, "end")

	cases := []struct {
		now  string
		want Phase
	}{
		{"21:59", PhaseOpen},
		{"22:00", PhaseGrace},
		{"22:14", PhaseGrace},
		{"22:15", PhaseClosed},
		{"03:00", PhaseClosed},
	}
	for _, tc := range cases {
		if got := s.PhaseAt(at(t, tc.now)); got != tc.want {
			t.Fatalf("PhaseAt(%s)=%v want %v", tc.now, got, tc.want)
		}
	}
}

func TestPhaseGraceWrapsPastMidnight(t *testing.T) {
	s := mustSchedule(t, "10:00", "23:50", 30, "warn")

	if got := s.PhaseAt(at(t, "23:55")); got != PhaseGrace {
		t.Fatalf("expected grace just before midnight, got %v", got)
	}
	if got := s.PhaseAt(at(t, "00:10")); got != PhaseGrace {
		t.Fatalf("expected grace after midnight wrap, got %v", got)
	}
	if got := s.PhaseAt(at(t, "00:20")); got != PhaseClosed {
		t.Fatalf("expected closed after grace, got %v", got)
	}
}

func TestParseScheduleRejectsBadInput(t *testing.T) {
	bad := []orgmeta.OperatingHours{
		{OpenTime: "9am", CloseTime: "22:00"},
		{OpenTime: "09:00", CloseTime: "25:00"},
		{OpenTime: "09:00", CloseTime: "22:00", GracePeriodMinutes: -5},
	}
	for _, h := range bad {
		if _, err := ParseSchedule(h); err == nil {
			t.Fatalf("expected error for %+v", h)
		}
	}
}

func TestGuardEmitsEndingSoonAndEndedOnce(t *testing.T) {
	s := mustSchedule(t, "09:00", "22:00", 10, "end")
	bus := events.NewBus()

	var mu sync.Mutex
	counts := map[events.Kind]int{}
	cancel := bus.Subscribe(func(e events.Event) {
		mu.Lock()
		counts[e.Kind()]++
		mu.Unlock()
	})
	defer cancel()

	var endedWith []GraceBehavior
	guard := NewGuard(s, bus, func(b GraceBehavior) {
		mu.Lock()
		endedWith = append(endedWith, b)
		mu.Unlock()
	}, zap.NewNop())

	now := at(t, "21:58")
	guard.now = func() time.Time { return now }

	ctx := context.Background()
	guard.check(ctx) // open, nothing
	now = at(t, "22:01")
	guard.check(ctx) // grace: ending soon
	guard.check(ctx) // grace again: no repeat
	now = at(t, "22:11")
	guard.check(ctx) // closed: ended
	guard.check(ctx) // closed again: no repeat

	mu.Lock()
	defer mu.Unlock()
	if counts[events.KindHoursEndingSoon] != 1 {
		t.Fatalf("expected 1 HoursEndingSoon, got %d", counts[events.KindHoursEndingSoon])
	}
	if counts[events.KindHoursEnded] != 1 {
		t.Fatalf("expected 1 HoursEnded, got %d", counts[events.KindHoursEnded])
	}
	if len(endedWith) != 1 || endedWith[0] != GraceEnd {
		t.Fatalf("expected one onEnded callback with end behavior, got %v", endedWith)
	}
}

func TestGuardStopHaltsCallbacks(t *testing.T) {
	s := mustSchedule(t, "09:00", "22:00", 0, "warn")
	bus := events.NewBus()

	guard := NewGuard(s, bus, nil, zap.NewNop())
	guard.interval = 5 * time.Millisecond
	guard.now = func() time.Time { return at(t, "12:00") }

	guard.Start()
	guard.Stop()
	// Second Stop must be a no-op, not a deadlock.
	guard.Stop()
}

func TestGraceDeadline(t *testing.T) {
	s := mustSchedule(t, "09:00", "22:00", 15, "warn")
	deadline := s.GraceDeadline(at(t, "22:05"))
	want := at(t, "22:15")
	if !deadline.Equal(want) {
		t.Fatalf("deadline %s want %s", deadline, want)
	}
}
