package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"cadgraph/internal/logging"
)

// Runner executes one job. report publishes stage and progress back to the
// registry; implementations call it at stage boundaries. The returned value
// becomes JobState.Result on success.
type Runner interface {
	Run(ctx context.Context, job JobState, report func(stage string, progress float64)) (interface{}, error)
}

// MetricsProvider lets a runner result fill the job's metrics block on the
// completed transition.
type MetricsProvider interface {
	JobMetrics() map[string]interface{}
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job JobState, report func(stage string, progress float64)) (interface{}, error)

func (f RunnerFunc) Run(ctx context.Context, job JobState, report func(stage string, progress float64)) (interface{}, error) {
	return f(ctx, job, report)
}

// Manager is the bounded job queue. Parallelism exists only across jobs;
// each job runs its stages sequentially on one worker.
type Manager struct {
	mu    sync.Mutex
	jobs  map[string]*JobState
	seq   int
	queue chan string

	runner     Runner
	workers    int
	poll       time.Duration
	resultsDir string

	// onTerminal, when set, observes every completed or failed job after
	// its result file is written. The ledger hooks in here.
	onTerminal func(JobState)

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

const defaultQueueCapacity = 64

// NewManager builds a manager with the given worker count, queue poll
// interval, and results directory. Start must be called before workers run.
func NewManager(workers int, poll time.Duration, resultsDir string, runner Runner) *Manager {
	if workers < 1 {
		workers = 1
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Manager{
		jobs:       make(map[string]*JobState),
		queue:      make(chan string, defaultQueueCapacity),
		runner:     runner,
		workers:    workers,
		poll:       poll,
		resultsDir: resultsDir,
	}
}

// SetTerminalHook registers an observer for terminal transitions. Must be
// called before Start.
func (m *Manager) SetTerminalHook(hook func(JobState)) {
	m.onTerminal = hook
}

// Start launches the worker pool. Safe to call more than once.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	stop := make(chan struct{})
	done := make(chan struct{})
	m.stopCh = stop
	m.doneCh = done
	m.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.workerLoop(id, stop)
		}(i + 1)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	logging.Jobs("job manager started with %d workers", m.workers)
}

// Stop signals the workers and waits briefly for them to drain. A job in
// flight finishes; queued jobs stay pending until the next Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop := m.stopCh
	done := m.doneCh
	m.stopCh = nil
	m.doneCh = nil
	m.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logging.JobsWarn("job manager stop timed out waiting for workers")
	}
	logging.Jobs("job manager stopped")
}

// Submit enqueues a pending job and returns its id immediately.
func (m *Manager) Submit(filePath string, opts Options) (string, error) {
	m.mu.Lock()
	m.seq++
	id := fmt.Sprintf("job_%06d", m.seq)
	job := &JobState{
		ID:        id,
		FilePath:  filePath,
		Options:   opts,
		Status:    StatusPending,
		Stage:     "queued",
		CreatedAt: time.Now().UTC(),
	}
	m.jobs[id] = job
	m.mu.Unlock()

	select {
	case m.queue <- id:
	default:
		m.mu.Lock()
		delete(m.jobs, id)
		m.mu.Unlock()
		return "", fmt.Errorf("job queue full (%d jobs waiting)", cap(m.queue))
	}
	logging.Jobs("job %s submitted for %s", id, filepath.Base(filePath))
	return id, nil
}

// Status returns a copy of one job's state.
func (m *Manager) Status(id string) (JobState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return JobState{}, false
	}
	return *job, true
}

// List returns copies of all known jobs, oldest first.
func (m *Manager) List() []JobState {
	m.mu.Lock()
	out := make([]JobState, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, *job)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Cancel moves a pending job to cancelled. Once a worker has picked the job
// up, cancellation fails and the job runs to completion.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusPending {
		return false
	}
	job.Status = StatusCancelled
	job.Stage = "cancelled"
	now := time.Now().UTC()
	job.CompletedAt = &now
	logging.Jobs("job %s cancelled before pickup", id)
	return true
}

// Cleanup evicts jobs created more than maxAge ago from the in-memory
// registry. Result files on disk are untouched; they are the durable record.
func (m *Manager) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, job := range m.jobs {
		if job.CreatedAt.Before(cutoff) && job.Status.Terminal() {
			delete(m.jobs, id)
			count++
		}
	}
	if count > 0 {
		logging.Jobs("evicted %d jobs older than %s", count, maxAge)
	}
	return count
}

// ResultPath returns where a job's durable record lives.
func (m *Manager) ResultPath(id string) string {
	return filepath.Join(m.resultsDir, id+"_result.json")
}

func (m *Manager) workerLoop(workerID int, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case id := <-m.queue:
			m.process(workerID, id)
		case <-time.After(m.poll):
			// Idle poll so shutdown is honored promptly.
		}
	}
}

// process runs one job start to finish. Cancelled or evicted jobs in the
// queue are skipped. A runner panic or error marks the job failed; either
// way the terminal state is persisted before the worker moves on.
func (m *Manager) process(workerID int, id string) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok || job.Status != StatusPending {
		if ok && job.Status == StatusCancelled {
			logging.JobsDebug("worker %d skipping cancelled job %s", workerID, id)
		}
		m.mu.Unlock()
		return
	}
	job.Status = StatusProcessing
	job.Stage = "starting"
	now := time.Now().UTC()
	job.StartedAt = &now
	snapshot := *job
	m.mu.Unlock()

	logging.Jobs("worker %d processing %s (%s)", workerID, id, filepath.Base(snapshot.FilePath))
	timer := logging.StartTimer(logging.CategoryJobs, "process "+id)

	report := func(stage string, progress float64) {
		m.mu.Lock()
		defer m.mu.Unlock()
		j, ok := m.jobs[id]
		if !ok || j.Status != StatusProcessing {
			return
		}
		j.Stage = stage
		if progress > j.Progress {
			// Progress is monotonic; stale reports never move it back.
			j.Progress = progress
		}
	}

	result, err := m.runSafely(snapshot, report)
	timer.StopWithInfo()

	m.mu.Lock()
	job, ok = m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	done := time.Now().UTC()
	job.CompletedAt = &done
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
		job.Stage = "error: " + err.Error()
		logging.JobsError("job %s failed: %v", id, err)
	} else {
		job.Status = StatusCompleted
		job.Progress = 1.0
		job.Stage = "completed"
		job.Result = result
		if mp, ok := result.(MetricsProvider); ok {
			job.Metrics = mp.JobMetrics()
		}
	}
	final := *job
	m.mu.Unlock()

	if perr := m.persist(final); perr != nil {
		logging.JobsWarn("job %s result not persisted: %v", id, perr)
	}
	if m.onTerminal != nil {
		m.onTerminal(final)
	}
}

// runSafely confines runner panics to the job.
func (m *Manager) runSafely(job JobState, report func(string, float64)) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return m.runner.Run(context.Background(), job, report)
}

// persist writes the job's full state to its result file. This runs on
// every completed or failed transition and is the job's durable record.
func (m *Manager) persist(job JobState) error {
	if m.resultsDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.resultsDir, 0755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job state: %w", err)
	}
	path := m.ResultPath(job.ID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write result file: %w", err)
	}
	logging.JobsDebug("job %s state persisted to %s", job.ID, path)
	return nil
}
