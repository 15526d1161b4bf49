package schedule_test

import (
	"strings"
	"testing"
	"time"

	"conveyor/internal/schedule"
)

func TestSlotAt(t *testing.T) {
	cases := []struct {
		name string
		when time.Time
		slot int
	}{
		{"sunday midnight", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), 0},
		{"sunday 00:15", time.Date(2026, 3, 1, 0, 15, 0, 0, time.UTC), 1},
		{"sunday 23:45", time.Date(2026, 3, 1, 23, 45, 0, 0, time.UTC), 95},
		{"monday midnight", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), 96},
		{"saturday 23:59", time.Date(2026, 3, 7, 23, 59, 0, 0, time.UTC), 671},
	}
	for _, tc := range cases {
		if got := schedule.SlotAt(tc.when); got != tc.slot {
			t.Errorf("%s: expected slot %d, got %d", tc.name, tc.slot, got)
		}
	}
}

func TestInWindow(t *testing.T) {
	monday := time.Date(2026, 3, 2, 0, 10, 0, 0, time.UTC)

	off := strings.Repeat("0", schedule.SlotCount)
	if schedule.InWindow(off, monday) {
		t.Error("all-zero schedule should exclude every slot")
	}

	bits := []byte(off)
	bits[96] = '1'
	if !schedule.InWindow(string(bits), monday) {
		t.Error("expected monday midnight slot to be in window")
	}

	if !schedule.InWindow(schedule.AlwaysOn(), monday) {
		t.Error("always-on schedule should include every slot")
	}
}

func TestMalformedScheduleIsAlwaysInWindow(t *testing.T) {
	now := time.Now()
	for _, value := range []string{"", "101", strings.Repeat("2", schedule.SlotCount), strings.Repeat("1", schedule.SlotCount-1)} {
		if !schedule.InWindow(value, now) {
			t.Errorf("malformed schedule %q should be treated as always in window", value)
		}
	}
}

func TestValid(t *testing.T) {
	if !schedule.Valid(schedule.AlwaysOn()) {
		t.Error("AlwaysOn should be valid")
	}
	if schedule.Valid(strings.Repeat("x", schedule.SlotCount)) {
		t.Error("non-binary characters should be invalid")
	}
}
