package schedule

import (
	"testing"
	"time"
)

func TestParseCron_Valid(t *testing.T) {
	sched, err := ParseCron("*/5 * * * *")
	if err != nil {
		t.Fatalf("ParseCron error: %v", err)
	}

	next := sched.Next(time.Date(2026, 2, 20, 10, 2, 0, 0, time.UTC))
	want := time.Date(2026, 2, 20, 10, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next=%s, want=%s", next.Format(time.RFC3339), want.Format(time.RFC3339))
	}
}

func TestParseCron_Descriptor(t *testing.T) {
	next, err := NextRun("@hourly", time.Date(2026, 2, 20, 10, 2, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("NextRun error: %v", err)
	}
	if want := time.Date(2026, 2, 20, 11, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next=%s, want=%s", next, want)
	}
}

func TestParseCron_Rejects(t *testing.T) {
	for _, expr := range []string{
		"",
		"CRON_TZ=America/Los_Angeles * * * * *",
		"TZ=UTC * * * * *",
		"* * *",
		"61 * * * *",
	} {
		if _, err := ParseCron(expr); err == nil {
			t.Fatalf("ParseCron(%q) expected error", expr)
		}
	}
}
