package cron

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellarlinkco/pvedge/internal/logging"
)

func TestService_AddAndListJobs(t *testing.T) {
	s := NewService("", logging.Discard())
	noop := func(context.Context) (string, error) { return "", nil }

	if err := s.AddJob("maintenance", "@every 10m", noop); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if err := s.AddJob("install-retry", "*/5 * * * *", noop); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if err := s.AddJob("manual", "", noop); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}

	jobs := s.ListJobs()
	if len(jobs) != 3 {
		t.Fatalf("len(jobs) = %d, want 3", len(jobs))
	}
	if jobs[0].Name != "install-retry" || jobs[1].Name != "maintenance" || jobs[2].Name != "manual" {
		t.Errorf("jobs not sorted by name: %+v", jobs)
	}
	if jobs[2].Enabled {
		t.Error("job without schedule should be disabled")
	}
}

func TestService_AddJobRejects(t *testing.T) {
	s := NewService("", logging.Discard())
	noop := func(context.Context) (string, error) { return "", nil }

	if err := s.AddJob("bad", "not a schedule", noop); err == nil {
		t.Error("expected error for invalid schedule")
	}
	if err := s.AddJob("dup", "@hourly", noop); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob("dup", "@hourly", noop); err == nil {
		t.Error("expected error for duplicate job")
	}
}

func TestService_RunNowRecordsState(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "jobs.json")
	s := NewService(statePath, logging.Discard())

	fail := true
	if err := s.AddJob("maintenance", "@every 1h", func(context.Context) (string, error) {
		if fail {
			return "", errors.New("store closed")
		}
		return "evicted 0", nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.RunNow(context.Background(), "maintenance"); err == nil {
		t.Fatal("expected job error")
	}
	job := s.ListJobs()[0]
	if job.State.LastStatus != StatusError || job.State.LastError != "store closed" {
		t.Errorf("state after failure = %+v", job.State)
	}

	fail = false
	if err := s.RunNow(context.Background(), "maintenance"); err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	job = s.ListJobs()[0]
	if job.State.LastStatus != StatusOK || job.State.LastError != "" || job.State.Runs != 2 {
		t.Errorf("state after success = %+v", job.State)
	}
	if job.State.LastRunAtMs == 0 {
		t.Error("last run time not recorded")
	}

	state, err := LoadState(statePath)
	if err != nil {
		t.Fatalf("LoadState error: %v", err)
	}
	if state["maintenance"].Runs != 2 {
		t.Errorf("persisted state = %+v", state)
	}
}

func TestService_RunNowUnknownJob(t *testing.T) {
	s := NewService("", logging.Discard())
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v, want ErrUnknownJob", err)
	}
}

func TestService_StateSurvivesRestart(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "jobs.json")
	noop := func(context.Context) (string, error) { return "", nil }

	first := NewService(statePath, logging.Discard())
	if err := first.AddJob("maintenance", "@every 1h", noop); err != nil {
		t.Fatal(err)
	}
	if err := first.RunNow(context.Background(), "maintenance"); err != nil {
		t.Fatal(err)
	}

	second := NewService(statePath, logging.Discard())
	if err := second.AddJob("maintenance", "@every 1h", noop); err != nil {
		t.Fatal(err)
	}
	if err := second.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer second.Stop()

	if got := second.ListJobs()[0].State.Runs; got != 1 {
		t.Errorf("runs after restart = %d, want 1", got)
	}
}

func TestService_ScheduledRun(t *testing.T) {
	s := NewService("", logging.Discard())
	var calls atomic.Int32
	if err := s.AddJob("tick", "@every 1s", func(context.Context) (string, error) {
		calls.Add(1)
		return "", nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled job never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestService_Start_ParentCancelInvokesStop(t *testing.T) {
	s := NewService("", logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if !started {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("service still running after parent cancel")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestService_StopIsIdempotent(t *testing.T) {
	s := NewService("", logging.Discard())
	s.Stop()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Stop()
	s.Stop()
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("0123456789abc", 10); got != "0123456789..." {
		t.Errorf("truncate = %q", got)
	}
}
