package message

import (
	"context"
	"math/big"
	"testing"

	"github.com/nnsW3/multicall-handler/internal/handler"
)

func TestExecutionRecorderCollectsEvents(t *testing.T) {
	r := NewExecutionRecorder()
	ctx := context.Background()

	if err := r.OnBatchFailed(ctx, handler.BatchFailed{ErrorCode: "CALL_REVERTED", Reason: "boom"}); err != nil {
		t.Fatalf("记录批次失败事件出错: %v", err)
	}
	if err := r.OnBalanceDrained(ctx, handler.BalanceDrained{Amount: big.NewInt(10)}); err != nil {
		t.Fatalf("记录清扫事件出错: %v", err)
	}
	if err := r.OnBalanceDrained(ctx, handler.BalanceDrained{Amount: big.NewInt(5)}); err != nil {
		t.Fatalf("记录清扫事件出错: %v", err)
	}

	capture := r.Capture()
	if !capture.BatchFailed || capture.FailureCode != "CALL_REVERTED" || capture.FailureReason != "boom" {
		t.Fatalf("unexpected capture: %+v", capture)
	}
	if capture.DrainedAmount.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("清扫金额应累加: %s", capture.DrainedAmount)
	}

	// 快照是副本，修改不影响内部状态。
	capture.DrainedAmount.SetInt64(0)
	if r.Capture().DrainedAmount.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("快照应与内部状态隔离")
	}

	r.Reset()
	after := r.Capture()
	if after.BatchFailed || after.DrainedAmount != nil {
		t.Fatalf("Reset 后应清空记录: %+v", after)
	}
}
