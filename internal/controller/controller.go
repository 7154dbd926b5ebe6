package controller

// ============================================================================
// voicequeue Controller - 命令任務佇列的協調中心
// ============================================================================
//
// 職責說明：
//   把 JobManager（狀態）、Worker Pool（執行）、延遲佇列（退避重試）
//   與 snapshot（持久化）串在一起。
//
// 背景循環：
//   dispatchLoop     - 有空閒 Worker 時 Claim 一個 ready 任務並送進 Pool
//   resultLoop       - 套用執行結果：完成 / 排程重試 / 失敗
//   delayQueue.run   - 退避時間到期時 Promote 任務
//   housekeepingLoop - 清除超過保留時間的終態任務，更新佇列深度指標
//   snapshotLoop     - 定期寫入快照
//
// 重試策略：
//   delay = BaseDelay * Multiplier^(attempt-1)，最多 MaxAttempts 次。
//   ValidationError 不重試。
//
// 啟動恢復：
//   載入快照 → Restore（中斷的 processing 任務重新排隊）→ 延遲任務放回延遲佇列
//
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/voicequeue/internal/jobmanager"
	"github.com/ChuLiYu/voicequeue/internal/metrics"
	"github.com/ChuLiYu/voicequeue/internal/snapshot"
	"github.com/ChuLiYu/voicequeue/internal/worker"
	"github.com/ChuLiYu/voicequeue/pkg/types"
)

var (
	ErrStopped        = errors.New("controller stopped")
	ErrAlreadyStarted = errors.New("controller already started")
)

// Config 是佇列的執行參數
type Config struct {
	WorkerCount          int           `yaml:"worker_count"`
	BufferSize           int           `yaml:"buffer_size"`
	TaskTimeout          time.Duration `yaml:"task_timeout"`
	MaxAttempts          int           `yaml:"max_attempts"`
	BaseDelay            time.Duration `yaml:"base_delay"`
	Multiplier           float64       `yaml:"multiplier"`
	MaxDelay             time.Duration `yaml:"max_delay"`
	Retention            time.Duration `yaml:"retention"`
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`
	SnapshotInterval     time.Duration `yaml:"snapshot_interval"`
	SnapshotPath         string        `yaml:"snapshot_path"` // 空字串表示不持久化
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:          4,
		BufferSize:           100,
		TaskTimeout:          30 * time.Second,
		MaxAttempts:          jobmanager.DefaultMaxAttempts,
		BaseDelay:            2 * time.Second,
		Multiplier:           2,
		MaxDelay:             time.Minute,
		Retention:            time.Hour,
		HousekeepingInterval: 30 * time.Second,
		SnapshotInterval:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = d.TaskTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.HousekeepingInterval <= 0 {
		c.HousekeepingInterval = d.HousekeepingInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = d.SnapshotInterval
	}
	return c
}

// Observer receives terminal outcomes. Calls happen on the result loop and
// must not block for long.
type Observer interface {
	OnCompleted(job *types.CommandJob, result types.CommandResult)
	OnFailed(job *types.CommandJob, err error)
}

type Option func(*Controller)

// WithObserver registers the terminal outcome hook.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithClock overrides the time source for job timestamps and retry scheduling.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

type Controller struct {
	jobManager *jobmanager.JobManager
	pool       *worker.Pool
	snapshot   *snapshot.Manager // nil 表示不持久化
	delays     *delayQueue
	observer   Observer
	metrics    *metrics.Collector
	log        *zap.Logger
	config     Config
	now        func() time.Time

	slots  chan struct{} // 每個執行中的任務佔一格，容量 = WorkerCount
	wake   chan struct{} // Enqueue / Promote 喚醒 dispatch
	stopCh chan struct{}

	mu        sync.Mutex // 保護 started / stopped
	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// New builds a controller around handler. It does not start any goroutine.
func New(config Config, handler worker.Handler, m *metrics.Collector, logger *zap.Logger, opts ...Option) *Controller {
	config = config.withDefaults()
	if m == nil {
		m = metrics.NewCollector(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Controller{
		jobManager: jobmanager.NewJobManager(),
		metrics:    m,
		log:        logger.Named("queue"),
		config:     config,
		now:        time.Now,
		slots:      make(chan struct{}, config.WorkerCount),
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.jobManager.SetClock(c.now)
	c.delays = newDelayQueue(c.now)
	c.pool = worker.NewPool(config.BufferSize, progressHandler{jm: c.jobManager, next: handler})
	if config.SnapshotPath != "" {
		c.snapshot = snapshot.NewManager(config.SnapshotPath)
	}
	return c
}

// SetObserver replaces the outcome hook. Only allowed before Start, for
// observers that themselves need the controller.
func (c *Controller) SetObserver(o Observer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return ErrAlreadyStarted
	}
	c.observer = o
	return nil
}

// progressHandler 在交給下游前把進度推進到 50
type progressHandler struct {
	jm   *jobmanager.JobManager
	next worker.Handler
}

func (h progressHandler) Handle(ctx context.Context, job *types.CommandJob) (types.CommandResult, error) {
	_ = h.jm.UpdateProgress(job.ID, 50)
	return h.next.Handle(ctx, job)
}

// ============================================================================
// 生命週期
// ============================================================================

// Start restores the snapshot (if configured) and launches every loop.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.startTime = c.now()

	if err := c.restore(); err != nil {
		return err
	}

	if err := c.pool.Start(c.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	c.loopWg.Add(4)
	go c.dispatchLoop()
	go c.resultLoop()
	go func() {
		defer c.loopWg.Done()
		c.delays.run(c.stopCh, c.promote)
	}()
	go c.housekeepingLoop()

	if c.snapshot != nil {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	c.started = true
	c.log.Info("controller started",
		zap.Int("workers", c.config.WorkerCount),
		zap.Duration("task_timeout", c.config.TaskTimeout),
		zap.Int("max_attempts", c.config.MaxAttempts))
	return nil
}

func (c *Controller) restore() error {
	if c.snapshot == nil {
		return nil
	}
	start := time.Now()

	data, err := c.snapshot.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	requeued, failed := c.jobManager.Restore(data)
	for _, d := range c.jobManager.Delayed() {
		c.delays.Push(d.ID, d.RunAt)
	}
	for _, job := range failed {
		c.metrics.RecordFailed(job.FinishedAt.Sub(job.EnqueuedAt).Seconds())
		c.log.Warn("job failed",
			zap.String("job_id", string(job.ID)),
			zap.Int("attempts", job.Attempts),
			zap.Error(jobmanager.ErrInterrupted))
		if c.observer != nil {
			c.observer.OnFailed(job, jobmanager.ErrInterrupted)
		}
	}

	c.log.Info("snapshot restored",
		zap.Int("jobs", len(data.Jobs)),
		zap.Int("requeued", requeued),
		zap.Int("failed", len(failed)),
		zap.Int("delayed", c.delays.Len()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Stop waits for in-flight jobs, stops every loop and writes a final snapshot.
// Jobs still queued stay queued in the snapshot.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	wasStarted := c.started
	c.mu.Unlock()

	c.log.Info("stopping controller")
	close(c.stopCh)
	c.pool.Stop() // 關閉 resultCh，resultLoop 隨之結束
	c.loopWg.Wait()

	if wasStarted && c.snapshot != nil {
		if err := c.takeSnapshot(); err != nil {
			c.log.Error("final snapshot failed", zap.Error(err))
		}
	}
	c.log.Info("controller stopped")
}

// ============================================================================
// 公開 API
// ============================================================================

// Enqueue admits a new job. Command must be non-blank.
func (c *Controller) Enqueue(job types.CommandJob) error {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	if strings.TrimSpace(job.Command) == "" {
		return fmt.Errorf("%w: command is required", types.ErrValidation)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = c.config.MaxAttempts
	}
	if err := c.jobManager.Enqueue(job); err != nil {
		return err
	}

	c.metrics.RecordEnqueue()
	c.log.Debug("job enqueued", zap.String("job_id", string(job.ID)))
	c.signal()
	return nil
}

// Status returns a copy of the job.
func (c *Controller) Status(id types.JobID) (*types.CommandJob, error) {
	job := c.jobManager.GetJob(id)
	if job == nil {
		return nil, jobmanager.ErrJobNotFound
	}
	return job, nil
}

// Stats summarises queue state for health reporting.
func (c *Controller) Stats() map[string]interface{} {
	stats := c.jobManager.Stats()

	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = c.now().Sub(c.startTime)
	}
	c.mu.Unlock()

	return map[string]interface{}{
		"uptime":     uptime.Round(time.Second).String(),
		"workers":    c.config.WorkerCount,
		"queued":     stats["queued"],
		"delayed":    stats["delayed"],
		"processing": stats["processing"],
		"completed":  stats["completed"],
		"failed":     stats["failed"],
	}
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) promote(id types.JobID) {
	if c.jobManager.Promote(id) {
		c.signal()
	}
}

// ============================================================================
// 背景循環
// ============================================================================

func (c *Controller) dispatchLoop() {
	defer c.loopWg.Done()

	// 保險用的輪詢，正常情況由 wake 驅動
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		// 先取得一個執行名額，確保 Claim 出來的任務馬上有 Worker 接手
		select {
		case <-c.stopCh:
			return
		case c.slots <- struct{}{}:
		}

		job := c.jobManager.Claim(c.now().Add(c.config.TaskTimeout))
		if job == nil {
			c.releaseSlot()
			select {
			case <-c.stopCh:
				return
			case <-c.wake:
			case <-ticker.C:
			}
			continue
		}

		c.metrics.RecordDispatch()
		c.log.Debug("job dispatched",
			zap.String("job_id", string(job.ID)),
			zap.Int("attempt", job.Attempts))

		if err := c.pool.Submit(worker.Task{Job: job, Timeout: c.config.TaskTimeout}); err != nil {
			c.releaseSlot()
			if errors.Is(err, worker.ErrPoolClosed) {
				// 任務保持 processing，下次啟動由快照還原重新排隊
				return
			}
			c.log.Error("submit failed", zap.String("job_id", string(job.ID)), zap.Error(err))
		}
	}
}

func (c *Controller) releaseSlot() {
	select {
	case <-c.slots:
	default:
	}
}

func (c *Controller) resultLoop() {
	defer c.loopWg.Done()
	for result := range c.pool.Results() {
		c.handleResult(result)
		c.releaseSlot()
		c.signal()
	}
}

func (c *Controller) handleResult(result worker.Result) {
	id := result.JobID
	job := c.jobManager.GetJob(id)
	if job == nil {
		c.log.Warn("result for unknown job", zap.String("job_id", string(id)))
		return
	}
	latency := c.now().Sub(job.EnqueuedAt).Seconds()

	if result.Success() {
		if err := c.jobManager.MarkCompleted(id, result.Result); err != nil {
			c.log.Error("mark completed failed", zap.String("job_id", string(id)), zap.Error(err))
			return
		}
		c.metrics.RecordCompleted(latency)
		c.log.Debug("job completed",
			zap.String("job_id", string(id)),
			zap.Duration("duration", result.Duration))
		if c.observer != nil {
			c.observer.OnCompleted(c.jobManager.GetJob(id), result.Result)
		}
		return
	}

	cause := result.Err.Error()
	if !errors.Is(result.Err, types.ErrValidation) && job.Attempts < job.MaxAttempts {
		delay := Backoff(job.Attempts, c.config.BaseDelay, c.config.Multiplier, c.config.MaxDelay)
		runAt := c.now().Add(delay)
		err := c.jobManager.ScheduleRetry(id, cause, runAt)
		if err == nil {
			c.delays.Push(id, runAt)
			c.metrics.RecordRetry()
			c.log.Info("job scheduled for retry",
				zap.String("job_id", string(id)),
				zap.Int("attempt", job.Attempts),
				zap.Duration("delay", delay),
				zap.Error(result.Err))
			return
		}
		if !errors.Is(err, jobmanager.ErrAttemptsExhausted) {
			c.log.Error("schedule retry failed", zap.String("job_id", string(id)), zap.Error(err))
			return
		}
	}

	if err := c.jobManager.MarkFailed(id, cause); err != nil {
		c.log.Error("mark failed failed", zap.String("job_id", string(id)), zap.Error(err))
		return
	}
	c.metrics.RecordFailed(latency)
	c.log.Warn("job failed",
		zap.String("job_id", string(id)),
		zap.Int("attempts", job.Attempts),
		zap.Error(result.Err))
	if c.observer != nil {
		c.observer.OnFailed(c.jobManager.GetJob(id), result.Err)
	}
}

func (c *Controller) housekeepingLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.HousekeepingInterval)
	defer ticker.Stop()

	c.housekeep()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.housekeep()
		}
	}
}

func (c *Controller) housekeep() {
	if n := c.jobManager.EvictFinishedBefore(c.now().Add(-c.config.Retention)); n > 0 {
		c.log.Debug("evicted finished jobs", zap.Int("count", n))
	}
	stats := c.jobManager.Stats()
	c.metrics.UpdateQueueStats(stats["queued"], stats["delayed"], stats["processing"])
}

func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				c.log.Error("snapshot failed", zap.Error(err))
			}
		}
	}
}

func (c *Controller) takeSnapshot() error {
	start := time.Now()
	data := c.jobManager.Snapshot()
	if err := c.snapshot.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	c.log.Debug("snapshot taken",
		zap.Int("jobs", len(data.Jobs)),
		zap.Duration("duration", time.Since(start)))
	return nil
}
