package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"tutormemory/internal/services"
)

// Job interface that all scheduled jobs must implement
type Job interface {
	Run(ctx context.Context) error
}

// JobSpec describes when a job runs. Cron takes precedence over Interval;
// Jitter spreads interval runs over [Interval, Interval+Jitter].
type JobSpec struct {
	Name     string
	Job      Job
	Cron     string
	Interval time.Duration
	Jitter   time.Duration
}

func (s JobSpec) schedule() string {
	if s.Cron != "" {
		return "cron " + s.Cron
	}
	if s.Jitter > 0 {
		return fmt.Sprintf("every %s +%s jitter", s.Interval, s.Jitter)
	}
	return "every " + s.Interval.String()
}

func (s JobSpec) definition() (gocron.JobDefinition, error) {
	switch {
	case s.Cron != "":
		return gocron.CronJob(s.Cron, false), nil
	case s.Interval <= 0:
		return nil, fmt.Errorf("job %s needs a cron expression or a positive interval", s.Name)
	case s.Jitter > 0:
		return gocron.DurationRandomJob(s.Interval, s.Interval+s.Jitter), nil
	default:
		return gocron.DurationJob(s.Interval), nil
	}
}

// JobStatus represents the status of a job
type JobStatus struct {
	Name           string     `json:"name"`
	Schedule       string     `json:"schedule"`
	Running        bool       `json:"running"`
	NextRunTime    *time.Time `json:"next_run_time,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastDurationMs int64      `json:"last_duration_ms"`
	LastError      string     `json:"last_error,omitempty"`
	Runs           int64      `json:"runs"`
	Failures       int64      `json:"failures"`
}

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobRunning  = errors.New("job is already running")
)

type registeredJob struct {
	spec   JobSpec
	handle gocron.Job
	status JobStatus
}

// JobScheduler runs memory maintenance jobs on a gocron scheduler.
// A job never overlaps itself: a scheduled tick that lands while the
// previous run (or a RunNow) is still going is skipped.
type JobScheduler struct {
	scheduler gocron.Scheduler
	jobs      map[string]*registeredJob
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
	now       func() time.Time
}

// NewJobScheduler creates a new job scheduler
func NewJobScheduler() (*JobScheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		scheduler: scheduler,
		jobs:      make(map[string]*registeredJob),
		ctx:       ctx,
		cancel:    cancel,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register adds a job to the scheduler
func (s *JobScheduler) Register(spec JobSpec) error {
	if spec.Name == "" || spec.Job == nil {
		return errors.New("job needs a name and an implementation")
	}
	definition, err := spec.definition()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[spec.Name]; exists {
		return fmt.Errorf("job %s already registered", spec.Name)
	}

	name := spec.Name
	handle, err := s.scheduler.NewJob(
		definition,
		gocron.NewTask(func() { _ = s.runJob(s.ctx, name) }),
		gocron.WithName(name),
		gocron.WithTags("memory"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	s.jobs[name] = &registeredJob{
		spec:   spec,
		handle: handle,
		status: JobStatus{Name: name, Schedule: spec.schedule()},
	}
	log.Printf("✅ [SCHEDULER] Registered job: %s (%s)", name, spec.schedule())
	return nil
}

// Start begins running all registered jobs
func (s *JobScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.scheduler.Start()
	log.Printf("🚀 [SCHEDULER] Started job scheduler with %d jobs", len(s.jobs))
}

// Stop cancels running jobs and waits for them to return
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	log.Println("🛑 [SCHEDULER] Stopping job scheduler...")
	s.cancel()
	if wasRunning {
		if err := s.scheduler.Shutdown(); err != nil {
			log.Printf("⚠️  [SCHEDULER] Shutdown error: %v", err)
		}
	}
	s.wg.Wait()
	log.Println("✅ [SCHEDULER] Job scheduler stopped")
}

// RunNow runs a job immediately on the caller's goroutine
func (s *JobScheduler) RunNow(ctx context.Context, name string) error {
	log.Printf("🚀 [SCHEDULER] Running job '%s' immediately", name)
	return s.runJob(ctx, name)
}

func (s *JobScheduler) runJob(ctx context.Context, name string) error {
	s.mu.Lock()
	job, exists := s.jobs[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if job.status.Running {
		s.mu.Unlock()
		log.Printf("⏭️  [SCHEDULER] Job '%s' still running, skipping", name)
		return ErrJobRunning
	}
	job.status.Running = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	metrics := services.GetMetrics()
	log.Printf("▶️  [SCHEDULER] Running job: %s", name)
	start := s.now()
	err := job.spec.Job.Run(ctx)
	duration := s.now().Sub(start)

	s.mu.Lock()
	job.status.Running = false
	job.status.Runs++
	job.status.LastRunAt = &start
	job.status.LastDurationMs = duration.Milliseconds()
	job.status.LastError = ""
	if err != nil {
		job.status.Failures++
		job.status.LastError = err.Error()
	}
	s.mu.Unlock()

	metrics.JobDuration.WithLabelValues(name).Observe(duration.Seconds())
	if err != nil {
		metrics.JobRuns.WithLabelValues(name, "failed").Inc()
		log.Printf("❌ [SCHEDULER] Job '%s' failed after %v: %v", name, duration, err)
		return err
	}
	metrics.JobRuns.WithLabelValues(name, "ok").Inc()
	log.Printf("✅ [SCHEDULER] Job '%s' completed in %v", name, duration)
	return nil
}

// GetStatus returns the status of all jobs sorted by name
func (s *JobScheduler) GetStatus() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		st := job.status
		if s.running {
			if next, err := job.handle.NextRun(); err == nil && !next.IsZero() {
				st.NextRunTime = &next
			}
		}
		status = append(status, st)
	}
	sort.Slice(status, func(i, j int) bool { return status[i].Name < status[j].Name })
	return status
}
