package message

import (
	"context"
	"math/big"
	"sync"

	"github.com/nnsW3/multicall-handler/internal/handler"
)

// ExecutionCapture 汇总一次执行期间记录到的事件。
type ExecutionCapture struct {
	BatchFailed   bool
	FailureCode   string
	FailureReason string
	DrainedAmount *big.Int
}

// ExecutionRecorder 实现 handler.Sink，在单次执行期间收集批次失败
// 与余额清扫事件，供派发器写入回执。派发器在每次执行前调用
// Reset，执行后调用 Capture。
type ExecutionRecorder struct {
	mu      sync.Mutex
	capture ExecutionCapture
}

// NewExecutionRecorder 构造记录器。
func NewExecutionRecorder() *ExecutionRecorder {
	return &ExecutionRecorder{}
}

// Reset 清空上一次执行的记录。
func (r *ExecutionRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture = ExecutionCapture{}
}

// Capture 返回当前记录的快照。
func (r *ExecutionRecorder) Capture() ExecutionCapture {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.capture
	if r.capture.DrainedAmount != nil {
		snapshot.DrainedAmount = new(big.Int).Set(r.capture.DrainedAmount)
	}
	return snapshot
}

// OnBatchFailed 实现 handler.Sink。
func (r *ExecutionRecorder) OnBatchFailed(ctx context.Context, event handler.BatchFailed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture.BatchFailed = true
	r.capture.FailureCode = event.ErrorCode
	r.capture.FailureReason = event.Reason
	return nil
}

// OnBalanceDrained 实现 handler.Sink。
func (r *ExecutionRecorder) OnBalanceDrained(ctx context.Context, event handler.BalanceDrained) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.Amount == nil {
		return nil
	}
	if r.capture.DrainedAmount == nil {
		r.capture.DrainedAmount = new(big.Int)
	}
	r.capture.DrainedAmount.Add(r.capture.DrainedAmount, event.Amount)
	return nil
}
