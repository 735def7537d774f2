package pipeline

import (
	"testing"
	"time"
)

func TestParseCronRejects(t *testing.T) {
	tests := []string{
		"",
		"* * * *",
		"* * * * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"* * * 13 *",
		"* * * * 7",
		"*/0 * * * *",
		"5-1 * * * *",
		"x * * * *",
	}
	for _, expr := range tests {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) accepted, want error", expr)
		}
	}
}

func TestCronMatches(t *testing.T) {
	at := func(hour, minute int) time.Time {
		// 2026-08-24 is a Monday.
		return time.Date(2026, 8, 24, hour, minute, 0, 0, time.Local)
	}
	tests := []struct {
		expr string
		t    time.Time
		want bool
	}{
		{"0 6 * * *", at(6, 0), true},
		{"0 6 * * *", at(6, 1), false},
		{"0 6 * * *", at(7, 0), false},
		{"* * * * *", at(13, 37), true},
		{"*/15 * * * *", at(9, 0), true},
		{"*/15 * * * *", at(9, 30), true},
		{"*/15 * * * *", at(9, 20), false},
		{"0 9-17 * * *", at(12, 0), true},
		{"0 9-17 * * *", at(18, 0), false},
		{"0 6 * * 1", at(6, 0), true},  // Monday
		{"0 6 * * 0", at(6, 0), false}, // not Sunday
		{"0,30 6 * * *", at(6, 30), true},
		{"0,30 6 * * *", at(6, 15), false},
		{"0 6 24 8 *", at(6, 0), true},
		{"0 6 25 8 *", at(6, 0), false},
	}
	for _, tt := range tests {
		sched, err := ParseCron(tt.expr)
		if err != nil {
			t.Fatalf("ParseCron(%q): %v", tt.expr, err)
		}
		if got := sched.Matches(tt.t); got != tt.want {
			t.Errorf("(%q).Matches(%v) = %v, want %v", tt.expr, tt.t, got, tt.want)
		}
	}
}

// A daily schedule fires for exactly one minute of the day.
func TestCronDailyFiresOnce(t *testing.T) {
	sched, err := ParseCron("0 6 * * *")
	if err != nil {
		t.Fatal(err)
	}
	matches := 0
	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.Local)
	for m := 0; m < 24*60; m++ {
		if sched.Matches(day.Add(time.Duration(m) * time.Minute)) {
			matches++
		}
	}
	if matches != 1 {
		t.Errorf("daily cron matched %d minutes, want 1", matches)
	}
}
