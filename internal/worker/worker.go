package worker

// ============================================================================
// Worker - 任務執行單元
//
// 每個 Worker 是一個獨立 goroutine：
//   1. 從 taskCh 取任務（或收到 stopCh 後離開）
//   2. 以 context.WithTimeout 呼叫 Handler
//   3. 把 Result 寫入 resultCh
//
// Handler panic 會被轉成錯誤，不會把整個 Pool 帶走。
// ============================================================================

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/voicequeue/pkg/types"
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	handler  Handler
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
}

func newWorker(id int, handler Handler, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}) *Worker {
	return &Worker{
		id:       id,
		handler:  handler,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker. It returns once stopCh is closed.
func (w *Worker) Run() {
	for {
		// 優先檢查停止訊號，避免 Stop 之後繼續消化緩衝區
		select {
		case <-w.stopCh:
			return
		default:
		}

		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			// 結果一定要送出；Pool.Stop 會等 resultCh 被讀取
			w.resultCh <- w.runTask(task)
		}
	}
}

func (w *Worker) runTask(task Task) Result {
	start := time.Now()

	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
	}
	defer cancel()

	res, err := w.execute(ctx, task)
	if err == nil && ctx.Err() != nil {
		// Handler 忽略了 ctx，但已超時：以超時計
		err = ctx.Err()
	}

	return Result{
		JobID:    task.Job.ID,
		Attempts: task.Job.Attempts,
		Result:   res,
		Err:      err,
		Duration: time.Since(start),
	}
}

func (w *Worker) execute(ctx context.Context, task Task) (res types.CommandResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: handler panic: %v", w.id, r)
		}
	}()
	return w.handler.Handle(ctx, task.Job)
}
