package worker

// ============================================================================
// Worker Pool
//
// 職責說明：
// 1. 啟動固定數量的 Worker，從同一個 taskCh 競爭任務
// 2. 收集所有 Worker 的 Result 到 resultCh
// 3. Stop 時：關閉 stopCh → 等待執行中的任務完成 → 關閉 resultCh
//
// 注意：resultCh 必須持續被讀取直到關閉（ReceiveResult / Results），
// 否則執行中的 Worker 會卡在送出結果而讓 Stop 無法返回。
// 已送進 taskCh 但尚未被取走的任務在 Stop 後會被丟棄；
// 對應的 job 仍是 processing 狀態，由 snapshot 還原時重新排隊。
// ============================================================================

import (
	"errors"
	"sync"
)

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrNilHandler is returned when Start is called without a Handler.
	ErrNilHandler = errors.New("worker pool has no handler")
)

type Pool struct {
	handler  Handler
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex // 保護 started / stopped / workers
}

// NewPool creates a pool whose task and result channels hold bufferSize items.
func NewPool(bufferSize int, handler Handler) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Pool{
		handler:  handler,
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if p.handler == nil {
		return ErrNilHandler
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.handler, p.taskCh, p.resultCh, p.stopCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit hands a task to the pool. It blocks while the task buffer is full.
func (p *Pool) Submit(task Task) error {
	if task.Job == nil {
		return errors.New("worker: task has no job")
	}

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	// taskCh 永不關閉，Stop 只關閉 stopCh，所以這裡不會 panic
	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}
	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult blocks for the next result. It returns ErrPoolClosed once
// the pool has stopped and every pending result has been read.
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Results exposes the result channel for range loops. It is closed by Stop.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop waits for in-flight tasks and then closes the result channel.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	wasStarted := p.started
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	if wasStarted {
		p.wg.Wait()
	}
	close(p.resultCh)
}

func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
