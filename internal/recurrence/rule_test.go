package recurrence

import (
	"errors"
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load location %s: %v", name, err)
	}
	return loc
}

func TestNext_WeeklyMondayNineAnchoredOnMonday(t *testing.T) {
	p := NewParser()
	loc := mustLoc(t, "Europe/Berlin")

	// 2024-01-01 is a Monday.
	anchor := time.Date(2024, 1, 1, 9, 0, 0, 0, loc)

	got, err := p.Next("FREQ=WEEKLY;BYDAY=MO;BYHOUR=9;BYMINUTE=0", anchor, time.Time{}, anchor, "Europe/Berlin")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	want := time.Date(2024, 1, 8, 9, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("Next = %s, want %s", got, want)
	}
}

func TestNext_DailyAtExactReferenceTimeIsExcluded(t *testing.T) {
	p := NewParser()
	anchor := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	now := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)

	got, err := p.Next("FREQ=DAILY;BYHOUR=8;BYMINUTE=0", anchor, time.Time{}, now, "UTC")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	want := time.Date(2024, 3, 6, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %s, want %s", got, want)
	}
}

func TestNext_Deterministic(t *testing.T) {
	p := NewParser()
	anchor := time.Date(2024, 1, 1, 7, 30, 0, 0, time.UTC)
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	first, err := p.Next("FREQ=WEEKLY;BYDAY=MO,TH;BYHOUR=7;BYMINUTE=30", anchor, time.Time{}, now, "UTC")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := p.Next("FREQ=WEEKLY;BYDAY=MO,TH;BYHOUR=7;BYMINUTE=30", anchor, time.Time{}, now, "UTC")
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !again.Equal(first) {
			t.Fatalf("Next not deterministic: %s != %s", again, first)
		}
	}
	if !first.After(now) {
		t.Errorf("Next = %s, not strictly after reference %s", first, now)
	}
}

func TestNext_StrictlyAfterLastConsidered(t *testing.T) {
	p := NewParser()
	anchor := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	last := time.Date(2024, 4, 10, 8, 0, 0, 0, time.UTC)
	now := time.Date(2024, 4, 10, 8, 0, 30, 0, time.UTC)

	got, err := p.Next("FREQ=DAILY;BYHOUR=8;BYMINUTE=0", anchor, last, now, "UTC")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	want := time.Date(2024, 4, 11, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %s, want %s", got, want)
	}
}

func TestNext_WeeklyInterval(t *testing.T) {
	p := NewParser()
	loc := time.UTC
	// Monday.
	anchor := time.Date(2024, 1, 1, 10, 0, 0, 0, loc)

	got, err := p.Next("FREQ=WEEKLY;INTERVAL=2;BYDAY=MO;BYHOUR=10;BYMINUTE=0", anchor, anchor, anchor, "UTC")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	want := time.Date(2024, 1, 15, 10, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("Next = %s, want %s", got, want)
	}
}

func TestNext_MonthlySkipsShortMonths(t *testing.T) {
	p := NewParser()
	anchor := time.Date(2024, 1, 31, 6, 0, 0, 0, time.UTC)
	last := time.Date(2024, 1, 31, 6, 0, 0, 0, time.UTC)

	got, err := p.Next("FREQ=MONTHLY;BYMONTHDAY=31;BYHOUR=6;BYMINUTE=0", anchor, last, last, "UTC")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	// February and April lack a 31st; March is next.
	want := time.Date(2024, 3, 31, 6, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %s, want %s", got, want)
	}
}

func TestNext_SpringForwardGapIsSkipped(t *testing.T) {
	p := NewParser()
	loc := mustLoc(t, "America/New_York")

	// 2024-03-10: clocks jump from 02:00 to 03:00; 02:30 does not exist.
	anchor := time.Date(2024, 3, 1, 2, 30, 0, 0, loc)
	last := time.Date(2024, 3, 9, 2, 30, 0, 0, loc)

	got, err := p.Next("FREQ=DAILY;BYHOUR=2;BYMINUTE=30", anchor, last, last, "America/New_York")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	want := time.Date(2024, 3, 11, 2, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("Next = %s, want %s", got, want)
	}
}

func TestNext_AnchorSuppliesDefaults(t *testing.T) {
	p := NewParser()
	// Wednesday 14:45.
	anchor := time.Date(2024, 1, 3, 14, 45, 0, 0, time.UTC)

	got, err := p.Next("FREQ=WEEKLY", anchor, time.Time{}, anchor, "UTC")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	want := time.Date(2024, 1, 10, 14, 45, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %s, want %s", got, want)
	}
}

func TestNext_CronDialect(t *testing.T) {
	p := NewParser()
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) // Monday 09:00

	got, err := p.Next("0 9 * * 1", anchor, time.Time{}, now, "UTC")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	// Strictly after: the exact instant is excluded.
	want := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %s, want %s", got, want)
	}
}

func TestParse_InvalidRules(t *testing.T) {
	p := NewParser()
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		rule string
		tz   string
	}{
		{"unsupported freq", "FREQ=HOURLY", "UTC"},
		{"missing freq value", "FREQ=", "UTC"},
		{"unknown component", "FREQ=DAILY;COUNT=3", "UTC"},
		{"byday with daily", "FREQ=DAILY;BYDAY=MO", "UTC"},
		{"bymonthday with weekly", "FREQ=WEEKLY;BYMONTHDAY=5", "UTC"},
		{"hour out of range", "FREQ=DAILY;BYHOUR=24", "UTC"},
		{"minute out of range", "FREQ=DAILY;BYMINUTE=60", "UTC"},
		{"zero interval", "FREQ=DAILY;INTERVAL=0", "UTC"},
		{"bad weekday", "FREQ=WEEKLY;BYDAY=XX", "UTC"},
		{"bad timezone", "FREQ=DAILY", "Mars/Olympus"},
		{"bad cron", "not a rule", "UTC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(tt.rule, tt.tz, anchor)
			var invalid *InvalidRuleError
			if !errors.As(err, &invalid) {
				t.Errorf("Parse(%q) error = %v, want InvalidRuleError", tt.rule, err)
			}
		})
	}
}

func TestNext_UnsatisfiableRuleFailsInsideHorizon(t *testing.T) {
	p := NewParser()
	// Every 12 months on the 30th, anchored in February: Feb 30 never exists.
	anchor := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

	_, err := p.Next("FREQ=MONTHLY;INTERVAL=12;BYMONTHDAY=30", anchor, anchor, anchor, "UTC")
	var invalid *InvalidRuleError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want InvalidRuleError", err)
	}
}
