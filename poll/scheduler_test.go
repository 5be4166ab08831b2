package poll

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingChecker struct {
	calls atomic.Int32
	err   error
}

func (c *countingChecker) CheckAll(context.Context) error {
	c.calls.Add(1)
	return c.err
}

func TestSchedulerReschedule(t *testing.T) {
	s := NewScheduler(&countingChecker{}, time.Minute, testLogger())

	tests := []struct {
		minutes int
		want    int
	}{
		{0, 1},
		{1, 1},
		{5, 5},
		{-3, 1},
	}
	for _, tt := range tests {
		if err := s.Reschedule(tt.minutes); err != nil {
			t.Fatalf("Reschedule(%d) error = %v", tt.minutes, err)
		}
		if got := s.Interval(); got != tt.want {
			t.Errorf("Reschedule(%d): Interval() = %d, want %d", tt.minutes, got, tt.want)
		}
		if n := len(s.cron.Entries()); n != 1 {
			t.Errorf("Reschedule(%d) left %d cron entries, want 1", tt.minutes, n)
		}
	}
}

func TestSchedulerRun(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"success", nil},
		{"cycle in progress", ErrCycleInProgress},
		{"failure", context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &countingChecker{err: tt.err}
			s := NewScheduler(c, time.Second, testLogger())
			s.run()
			if got := c.calls.Load(); got != 1 {
				t.Errorf("CheckAll called %d times, want 1", got)
			}
		})
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(&countingChecker{}, time.Second, testLogger())
	s.Stop() // not started: no-op
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
