// Package schedule evaluates weekly processing windows encoded as bitstrings.
//
// A schedule is a 672-character string of '0' and '1', one character per
// 15-minute slot in a week starting Sunday 00:00. Libraries and processing
// nodes both carry one to restrict when their work may be dispatched.
package schedule

import (
	"strings"
	"time"
)

// SlotCount is the number of 15-minute slots in a week.
const SlotCount = 672

const slotsPerDay = 96

// Valid reports whether value is a well-formed schedule bitstring.
func Valid(value string) bool {
	if len(value) != SlotCount {
		return false
	}
	for _, r := range value {
		if r != '0' && r != '1' {
			return false
		}
	}
	return true
}

// AlwaysOn returns a schedule with every slot enabled.
func AlwaysOn() string {
	return strings.Repeat("1", SlotCount)
}

// SlotAt returns the schedule slot index for the given time.
func SlotAt(t time.Time) int {
	day := int(t.Weekday())
	return day*slotsPerDay + t.Hour()*4 + t.Minute()/15
}

// InWindow reports whether t falls inside an enabled slot. A malformed
// schedule is treated as always in window so that a bad value never strands
// queued work.
func InWindow(value string, t time.Time) bool {
	if !Valid(value) {
		return true
	}
	return value[SlotAt(t)] == '1'
}
