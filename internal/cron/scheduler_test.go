package cron

import (
	"testing"
	"time"
)

func TestBackoffTableValues(t *testing.T) {
	cases := []struct {
		errs int
		want time.Duration
	}{
		{0, 0},
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 5 * time.Minute},
		{4, 15 * time.Minute},
		{5, 60 * time.Minute},
		{6, 60 * time.Minute},
		{100, 60 * time.Minute},
	}
	for _, c := range cases {
		if got := Backoff(c.errs); got != c.want {
			t.Errorf("Backoff(%d) = %s, want %s", c.errs, got, c.want)
		}
	}
}

func TestApplyBackoffPushesPastNaturalSchedule(t *testing.T) {
	endedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	// An "every 1s" job's natural next run is barely past endedAt.
	naturalNext := endedAt.Add(1 * time.Second)

	got := ApplyBackoff(&naturalNext, endedAt, 6)
	if got == nil {
		t.Fatal("expected a non-nil next run")
	}

	want := endedAt.Add(60 * time.Minute)
	if !got.Equal(want) {
		t.Errorf("next run = %s, want %s", got, want)
	}
}

func TestApplyBackoffLeavesNaturalScheduleWhenItAlreadyClearsTheFloor(t *testing.T) {
	endedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	naturalNext := endedAt.Add(2 * time.Hour)

	got := ApplyBackoff(&naturalNext, endedAt, 3)
	if !got.Equal(naturalNext) {
		t.Errorf("expected natural next to win, got %s want %s", got, naturalNext)
	}
}

func TestApplyBackoffNoErrorsIsNoOp(t *testing.T) {
	endedAt := time.Now()
	naturalNext := endedAt.Add(time.Minute)
	got := ApplyBackoff(&naturalNext, endedAt, 0)
	if !got.Equal(naturalNext) {
		t.Errorf("expected unchanged next run with zero consecutive errors")
	}
}

func TestApplyBackoffNilNaturalNextStaysNil(t *testing.T) {
	if got := ApplyBackoff(nil, time.Now(), 5); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

// TestEveryJobBackoffMatchesSpecVector checks the documented example: an
// "every 1s" job that has failed 6 times in a row reschedules 1 hour after
// it ended, not 1 second.
func TestEveryJobBackoffMatchesSpecVector(t *testing.T) {
	endedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	job := &CronJob{
		Enabled:     true,
		CreatedAtMs: endedAt.Add(-time.Hour).UnixMilli(),
		Schedule:    Schedule{Kind: ScheduleKindEvery, EveryMs: 1000},
		State: JobState{
			ConsecutiveErrors: 6,
		},
	}
	lastRunMs := endedAt.UnixMilli()
	job.State.LastRunAtMs = &lastRunMs

	natural, err := NextRunTime(job, endedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	next := ApplyBackoff(natural, endedAt, job.State.ConsecutiveErrors)
	if next == nil {
		t.Fatal("expected a next run time")
	}

	want := endedAt.Add(3600 * 1000 * time.Millisecond)
	if !next.Equal(want) {
		t.Errorf("next run = %s, want %s (endedAt + 3_600_000ms)", next, want)
	}
}

func TestNextRunCronFloorsToSecondBeforeEvaluating(t *testing.T) {
	job := &CronJob{
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleKindCron, Expr: "0 * * * *", Tz: "UTC"},
	}

	// A reference time exactly on a minute boundary plus sub-second jitter
	// must not be pushed a full cycle later than one without jitter.
	base := time.Date(2026, 1, 1, 11, 59, 0, 0, time.UTC)
	withJitter := base.Add(750 * time.Millisecond)

	withoutJitter, err := NextRunTime(job, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	jittered, err := NextRunTime(job, withJitter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !withoutJitter.Equal(*jittered) {
		t.Errorf("sub-second jitter changed the computed next run: %s vs %s", withoutJitter, jittered)
	}
}
