// ============================================================================
// voicequeue 任務管理器 - Command job state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: single authoritative writer for command job state
//
// State machine:
//   Queued (ready)
//      ↓ Claim()
//   Processing ──ScheduleRetry()──→ Queued (delayed) ──Promote()──→ Queued (ready)
//      ↓ MarkCompleted() / MarkFailed()
//   Completed / Failed (terminal, never transition again)
//
// Data layout:
//   jobs map[JobID]*CommandJob - single source of truth
//   ready []JobID              - FIFO of jobs a worker may claim
//   delayed map                - jobs waiting for their backoff timer
//   processing map             - jobs owned by exactly one worker
//   finished map               - terminal jobs kept for status lookups until evicted
//
// Concurrency:
//   sync.RWMutex guards every structure. Every read returns a copy, so callers
//   never observe a job mid-transition.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/voicequeue/pkg/types"
)

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不在執行中狀態
	ErrNotProcessing = errors.New("job not processing")
	// 任務不存在
	ErrJobNotFound = fmt.Errorf("job %w", types.ErrNotFound)
	// 任務已到終態
	ErrTerminal = errors.New("job already in terminal state")
	// 重試次數已用盡
	ErrAttemptsExhausted = errors.New("job attempts exhausted")
	// 重啟時發現執行中斷且無剩餘次數
	ErrInterrupted = errors.New("interrupted during processing")
)

// DefaultMaxAttempts applies when a job is enqueued without an explicit limit.
const DefaultMaxAttempts = 3

// JobManager owns the lifecycle of every command job.
type JobManager struct {
	mu         sync.RWMutex
	jobs       map[types.JobID]*types.CommandJob
	ready      []types.JobID
	delayed    map[types.JobID]*types.CommandJob
	processing map[types.JobID]*types.CommandJob
	finished   map[types.JobID]*types.CommandJob
	now        func() time.Time
}

// NewJobManager returns an empty, concurrency-safe job manager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:       make(map[types.JobID]*types.CommandJob),
		ready:      make([]types.JobID, 0),
		delayed:    make(map[types.JobID]*types.CommandJob),
		processing: make(map[types.JobID]*types.CommandJob),
		finished:   make(map[types.JobID]*types.CommandJob),
		now:        time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (jm *JobManager) SetClock(now func() time.Time) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.now = now
}

// Enqueue adds a new job in the Queued state at the tail of the ready queue.
func (jm *JobManager) Enqueue(job types.CommandJob) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return ErrDuplicateJob
	}

	now := jm.now()
	job.State = types.StateQueued
	job.Attempts = 0
	job.Progress = 0
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	job.UpdatedAt = now
	job.NextRunAt = nil
	job.Deadline = nil
	job.FinishedAt = nil
	job.Result = nil
	job.LastError = ""

	stored := job.Clone()
	jm.jobs[job.ID] = stored
	jm.ready = append(jm.ready, job.ID)
	return nil
}

// Claim pops the oldest ready job and hands it to a worker.
// The attempt counter is incremented here, so Attempts always counts started attempts.
// Returns nil when nothing is ready.
func (jm *JobManager) Claim(deadline time.Time) *types.CommandJob {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for len(jm.ready) > 0 {
		jobID := jm.ready[0]
		jm.ready = jm.ready[1:]

		job, exists := jm.jobs[jobID]
		if !exists || job.State != types.StateQueued || job.NextRunAt != nil {
			// evicted or already moved by a concurrent transition
			continue
		}
		if job.Attempts >= job.MaxAttempts {
			// cannot start another attempt without breaking the attempts invariant
			jm.finishLocked(job, types.StateFailed, ErrAttemptsExhausted.Error())
			continue
		}

		now := jm.now()
		d := deadline
		job.State = types.StateProcessing
		job.Attempts++
		job.Deadline = &d
		job.Progress = 10
		job.UpdatedAt = now
		jm.processing[jobID] = job
		return job.Clone()
	}
	return nil
}

// MarkCompleted stores the result of a processing job and makes it terminal.
func (jm *JobManager) MarkCompleted(jobID types.JobID, result types.CommandResult) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.processingLocked(jobID)
	if err != nil {
		return err
	}

	r := result.Clone()
	job.Result = &r
	job.LastError = ""
	jm.finishLocked(job, types.StateCompleted, "")
	return nil
}

// ScheduleRetry moves a processing job back to Queued, parked until runAt.
// The caller owns the timer that later calls Promote.
func (jm *JobManager) ScheduleRetry(jobID types.JobID, cause string, runAt time.Time) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.processingLocked(jobID)
	if err != nil {
		return err
	}
	if job.Attempts >= job.MaxAttempts {
		return ErrAttemptsExhausted
	}

	at := runAt
	job.State = types.StateQueued
	job.NextRunAt = &at
	job.Deadline = nil
	job.LastError = cause
	job.Progress = 0
	job.UpdatedAt = jm.now()

	delete(jm.processing, jobID)
	jm.delayed[jobID] = job
	return nil
}

// Promote moves a delayed job into the ready queue.
// Promoting a job that is no longer delayed is a no-op and returns false.
func (jm *JobManager) Promote(jobID types.JobID) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.delayed[jobID]
	if !exists {
		return false
	}
	delete(jm.delayed, jobID)
	job.NextRunAt = nil
	job.UpdatedAt = jm.now()
	jm.ready = append(jm.ready, jobID)
	return true
}

// MarkFailed makes a processing job terminal with the given error.
func (jm *JobManager) MarkFailed(jobID types.JobID, cause string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.processingLocked(jobID)
	if err != nil {
		return err
	}
	jm.finishLocked(job, types.StateFailed, cause)
	return nil
}

// UpdateProgress records worker-reported progress (0-100) for a processing job.
func (jm *JobManager) UpdateProgress(jobID types.JobID, progress int) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, err := jm.processingLocked(jobID)
	if err != nil {
		return err
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	job.UpdatedAt = jm.now()
	return nil
}

func (jm *JobManager) processingLocked(jobID types.JobID) (*types.CommandJob, error) {
	job, exists := jm.jobs[jobID]
	if !exists {
		return nil, ErrJobNotFound
	}
	if job.State.Terminal() {
		return nil, ErrTerminal
	}
	if job.State != types.StateProcessing {
		return nil, ErrNotProcessing
	}
	return job, nil
}

func (jm *JobManager) finishLocked(job *types.CommandJob, state types.JobState, cause string) {
	now := jm.now()
	job.State = state
	job.Deadline = nil
	job.NextRunAt = nil
	job.UpdatedAt = now
	job.FinishedAt = &now
	if state == types.StateCompleted {
		job.Progress = 100
	}
	if cause != "" {
		job.LastError = cause
	}
	delete(jm.processing, job.ID)
	delete(jm.delayed, job.ID)
	jm.finished[job.ID] = job
}

// GetJob returns a copy of the job, or nil when it is unknown.
func (jm *JobManager) GetJob(jobID types.JobID) *types.CommandJob {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.jobs[jobID].Clone()
}

// Delayed lists parked retries with their due time, oldest first.
func (jm *JobManager) Delayed() []DelayedJob {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]DelayedJob, 0, len(jm.delayed))
	for id, job := range jm.delayed {
		if job.NextRunAt != nil {
			out = append(out, DelayedJob{ID: id, RunAt: *job.NextRunAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}

// DelayedJob identifies a parked retry.
type DelayedJob struct {
	ID    types.JobID
	RunAt time.Time
}

// EvictFinishedBefore drops terminal jobs that finished before cutoff.
// Status lookups for evicted jobs return ErrJobNotFound.
func (jm *JobManager) EvictFinishedBefore(cutoff time.Time) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	evicted := 0
	for id, job := range jm.finished {
		if job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(jm.finished, id)
			delete(jm.jobs, id)
			evicted++
		}
	}
	return evicted
}

// Stats returns the number of jobs per state bucket.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	completed, failed := 0, 0
	for _, job := range jm.finished {
		if job.State == types.StateCompleted {
			completed++
		} else {
			failed++
		}
	}
	return map[string]int{
		"queued":     len(jm.ready),
		"delayed":    len(jm.delayed),
		"processing": len(jm.processing),
		"completed":  completed,
		"failed":     failed,
	}
}

// ============================================================================
// 快照與恢復
// ============================================================================

// Snapshot deep-copies every job for persistence.
func (jm *JobManager) Snapshot() types.SnapshotData {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobsCopy := make(map[types.JobID]*types.CommandJob, len(jm.jobs))
	for id, job := range jm.jobs {
		jobsCopy[id] = job.Clone()
	}
	return types.SnapshotData{
		Jobs:      jobsCopy,
		SchemaVer: 1,
		TakenAt:   jm.now(),
	}
}

// Restore replaces the current state with a snapshot.
//
// Jobs that were Processing when the snapshot was taken were interrupted: they
// go back to the ready queue if they still have attempts left, otherwise they fail
// and are returned (as copies) so the caller can report the outcome.
// Ready jobs keep their original enqueue order.
func (jm *JobManager) Restore(data types.SnapshotData) (requeued int, failed []*types.CommandJob) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.jobs = make(map[types.JobID]*types.CommandJob, len(data.Jobs))
	jm.ready = make([]types.JobID, 0)
	jm.delayed = make(map[types.JobID]*types.CommandJob)
	jm.processing = make(map[types.JobID]*types.CommandJob)
	jm.finished = make(map[types.JobID]*types.CommandJob)

	var readyJobs []*types.CommandJob
	for id, job := range data.Jobs {
		job = job.Clone()
		job.ID = id
		jm.jobs[id] = job

		switch job.State {
		case types.StateQueued:
			if job.NextRunAt != nil {
				jm.delayed[id] = job
			} else {
				readyJobs = append(readyJobs, job)
			}
		case types.StateProcessing:
			job.Deadline = nil
			if job.Attempts < job.MaxAttempts {
				job.State = types.StateQueued
				job.Progress = 0
				readyJobs = append(readyJobs, job)
				requeued++
			} else {
				jm.finishLocked(job, types.StateFailed, ErrInterrupted.Error())
				failed = append(failed, job.Clone())
			}
		case types.StateCompleted, types.StateFailed:
			jm.finished[id] = job
		}
	}

	sort.Slice(readyJobs, func(i, j int) bool {
		return readyJobs[i].EnqueuedAt.Before(readyJobs[j].EnqueuedAt)
	})
	for _, job := range readyJobs {
		jm.ready = append(jm.ready, job.ID)
	}
	return requeued, failed
}
