package history

// ============================================================================
// Recorder - 非同步、盡力而為的歷史寫入器
//
// 歷史紀錄屬於觀測資料，不是交易真相：
//   - Record 不阻塞呼叫端；緩衝區滿時丟棄並計數
//   - 寫入失敗只記 log 與指標，不回傳給觸發的請求
//   - Close 之後的 Record 直接丟棄，不會 panic
// ============================================================================

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/voicequeue/internal/metrics"
	"github.com/ChuLiYu/voicequeue/pkg/types"
)

const (
	DefaultRecorderBuffer = 256
	writeTimeout          = 5 * time.Second
)

type Recorder struct {
	store   Store
	ch      chan types.HistoryRecord
	metrics *metrics.Collector
	log     *zap.Logger

	mu     sync.RWMutex // 保護 closed 與 ch 的關閉
	closed bool
	done   chan struct{}
}

// NewRecorder starts the background writer.
func NewRecorder(store Store, buffer int, m *metrics.Collector, logger *zap.Logger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		store:   store,
		ch:      make(chan types.HistoryRecord, buffer),
		metrics: m,
		log:     logger.Named("history"),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues rec for writing. It reports whether the record was accepted.
func (r *Recorder) Record(rec types.HistoryRecord) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}

	select {
	case r.ch <- rec:
		return true
	default:
		r.fail(rec, "history buffer full", nil)
		return false
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := r.store.Record(ctx, rec)
		cancel()
		if err != nil {
			r.fail(rec, "history write failed", err)
		}
	}
}

func (r *Recorder) fail(rec types.HistoryRecord, msg string, err error) {
	if r.metrics != nil {
		r.metrics.RecordHistoryWriteFailure()
	}
	r.log.Warn(msg,
		zap.String("job_id", string(rec.JobID)),
		zap.String("user_id", rec.UserID),
		zap.Error(err))
}

// Close stops accepting records and waits until every queued record is written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
}
