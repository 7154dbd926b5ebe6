package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/voicequeue/pkg/types"
)

// Handler 執行單一命令任務，回傳處理結果
type Handler interface {
	Handle(ctx context.Context, job *types.CommandJob) (types.CommandResult, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, job *types.CommandJob) (types.CommandResult, error)

func (f HandlerFunc) Handle(ctx context.Context, job *types.CommandJob) (types.CommandResult, error) {
	return f(ctx, job)
}

// Task 代表要執行的任務
type Task struct {
	Job     *types.CommandJob // 任務副本（由 Claim 取得）
	Timeout time.Duration     // 執行超時時間，0 表示不限制
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID         // 任務 ID
	Attempts int                 // 本次執行時的嘗試次數
	Result   types.CommandResult // 成功時的處理結果
	Err      error               // 錯誤（如果有）
	Duration time.Duration       // 實際執行時間
}

// Success reports whether the task finished without error.
func (r Result) Success() bool {
	return r.Err == nil
}
