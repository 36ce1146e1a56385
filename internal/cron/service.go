// Package cron runs the agent's housekeeping jobs on cron schedules and
// remembers how each job last went.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/pvedge/internal/logging"
)

// Job statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

var ErrUnknownJob = errors.New("unknown job")

// JobFunc does one run of a job. The returned summary is logged.
type JobFunc func(ctx context.Context) (string, error)

// JobState is what is remembered across restarts.
type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	Runs        int    `json:"runs"`
}

// Job is a snapshot of a registered job.
type Job struct {
	Name     string   `json:"name"`
	Schedule string   `json:"schedule"`
	Enabled  bool     `json:"enabled"`
	State    JobState `json:"state"`
}

type job struct {
	Job
	fn    JobFunc
	entry rcron.EntryID
}

type Service struct {
	statePath string
	log       *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	cron    *rcron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	started bool
}

// NewService creates a scheduler. An empty statePath keeps job state in
// memory only.
func NewService(statePath string, logger *slog.Logger) *Service {
	return &Service{
		statePath: statePath,
		log:       logging.Component(logger, "cron"),
		jobs:      make(map[string]*job),
	}
}

// AddJob registers fn under name on a standard five-field schedule or a
// descriptor such as "@every 10m". An empty schedule registers the job
// disabled so it can still be run by hand.
func (s *Service) AddJob(name, schedule string, fn JobFunc) error {
	if schedule != "" {
		if _, err := rcron.ParseStandard(schedule); err != nil {
			return fmt.Errorf("parse schedule for %s: %w", name, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("add job %s: already registered", name)
	}
	j := &job{Job: Job{Name: name, Schedule: schedule, Enabled: schedule != ""}, fn: fn}
	s.jobs[name] = j
	if s.started {
		s.register(j)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	if err := s.load(); err != nil {
		s.log.Warn("failed to load job state", "error", err)
	}
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.cron = rcron.New(rcron.WithChain(
		rcron.Recover(cronLogger{s.log}),
		rcron.SkipIfStillRunning(cronLogger{s.log}),
	))
	for _, j := range s.jobs {
		s.register(j)
	}
	s.started = true
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("started", "jobs", n)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

func (s *Service) register(j *job) {
	if !j.Enabled {
		return
	}
	name, ctx := j.Name, s.runCtx
	id, err := s.cron.AddFunc(j.Schedule, func() {
		_ = s.execute(ctx, name)
	})
	if err != nil {
		s.log.Error("failed to register job", "job", name, "schedule", j.Schedule, "error", err)
		return
	}
	j.entry = id
}

// RunNow runs a job immediately, whether or not the service is started.
func (s *Service) RunNow(ctx context.Context, name string) error {
	return s.execute(ctx, name)
}

func (s *Service) execute(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	s.log.Debug("executing job", "job", name)
	result, err := j.fn(ctx)

	s.mu.Lock()
	j.State.LastRunAtMs = time.Now().UnixMilli()
	j.State.Runs++
	if err != nil {
		j.State.LastStatus = StatusError
		j.State.LastError = err.Error()
		s.log.Error("job failed", "job", name, "error", err)
	} else {
		j.State.LastStatus = StatusOK
		j.State.LastError = ""
		s.log.Info("job finished", "job", name, "result", truncate(result, 100))
	}
	if saveErr := s.save(); saveErr != nil {
		s.log.Warn("failed to save job state", "error", saveErr)
	}
	s.mu.Unlock()
	return err
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, stopCh, c := s.cancel, s.stopCh, s.cron
	s.mu.Unlock()

	close(stopCh)
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("stop timeout waiting for running jobs")
	}
	cancel()
	s.log.Info("stopped")
}

// ListJobs returns the registered jobs ordered by name.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Job)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// LoadState reads persisted job state without a running service.
func LoadState(path string) (map[string]JobState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]JobState{}, nil
		}
		return nil, err
	}
	state := map[string]JobState{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse job state: %w", err)
	}
	return state, nil
}

func (s *Service) load() error {
	if s.statePath == "" {
		return nil
	}
	state, err := LoadState(s.statePath)
	if err != nil {
		return err
	}
	for name, st := range state {
		if j, ok := s.jobs[name]; ok {
			j.State = st
		}
	}
	return nil
}

func (s *Service) save() error {
	if s.statePath == "" {
		return nil
	}
	state := make(map[string]JobState, len(s.jobs))
	for name, j := range s.jobs {
		state[name] = j.State
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.statePath, data, 0o644)
}

// cronLogger adapts slog to the scheduler's logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
