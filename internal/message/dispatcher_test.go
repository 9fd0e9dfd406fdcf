package message

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
	"github.com/nnsW3/multicall-handler/internal/handler"
	"github.com/nnsW3/multicall-handler/internal/ledger"
)

type fakeExecutor struct {
	calls  atomic.Int32
	result error
}

func (f *fakeExecutor) Handle(context.Context, common.Address, *big.Int, common.Address, []byte) error {
	f.calls.Add(1)
	return f.result
}

func submitAndDispatch(t *testing.T, executor Executor, recorder *ExecutionRecorder, req SubmitRequest) (*Service, *Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	service := NewService(store, queue, 3)

	opts := []DispatcherOption{WithWorkerCount(2)}
	if recorder != nil {
		opts = append(opts, WithRecorder(recorder))
	}
	dispatcher := NewDispatcher(executor, store, queue, queue, opts...)
	go func() {
		if err := dispatcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("dispatcher exited: %v", err)
		}
	}()

	msg, err := service.Submit(ctx, req)
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}
	final, err := service.WaitUntilCompleted(ctx, msg.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("等待消息完成失败: %v", err)
	}
	return service, final
}

func TestDispatcherDeliversGuardedBatch(t *testing.T) {
	self := common.HexToAddress("0x0000000000000000000000000000000000001001")
	target := common.HexToAddress("0x0000000000000000000000000000000000002002")
	fallback := common.HexToAddress("0x0000000000000000000000000000000000003003")

	state := ledger.New()
	state.RegisterContract(target, ledger.ContractFunc(func(context.Context, ledger.Invocation) error {
		return errors.New("revert")
	}))

	recorder := NewExecutionRecorder()
	exec, _ := handler.New(self, state, handler.WithSink(recorder))

	payload, err := handler.EncodeInstructions(&handler.Instructions{
		Calls:             []handler.Call{{Target: target, CallData: []byte{0x01}, Value: big.NewInt(0)}},
		FallbackRecipient: fallback,
	})
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}

	crediting := &creditingExecutor{state: state, handler: exec, self: self}
	_, final := submitAndDispatch(t, crediting, recorder, SubmitRequest{
		Asset:   "0x00000000000000000000000000000000000000ee",
		Amount:  "250",
		Sender:  "0x00000000000000000000000000000000000000bb",
		Payload: hexutil.Encode(payload),
	})

	if final.Status != StatusDelivered {
		t.Fatalf("受护批次应投递成功: %+v", final)
	}
	if final.Receipt == nil {
		t.Fatalf("回执缺失")
	}
	if !final.Receipt.Guarded || !final.Receipt.BatchFailed {
		t.Fatalf("回执应记录受护失败: %+v", final.Receipt)
	}
	if final.Receipt.FailureCode != string(handler.CodeCallReverted) {
		t.Fatalf("回执错误码不符: %s", final.Receipt.FailureCode)
	}
	if final.Receipt.DrainedAmount != "250" {
		t.Fatalf("回执清扫金额不符: %s", final.Receipt.DrainedAmount)
	}
	if final.Receipt.Fallback != fallback.Hex() {
		t.Fatalf("回执兜底地址不符: %s", final.Receipt.Fallback)
	}
}

// creditingExecutor 在执行前把消息携带的资产记入执行器名下，
// 模拟上游桥先打款后调用的顺序。
type creditingExecutor struct {
	state   *ledger.Ledger
	handler *handler.Handler
	self    common.Address
}

func (e *creditingExecutor) Handle(ctx context.Context, asset common.Address, amount *big.Int, sender common.Address, payload []byte) error {
	e.state.Credit(asset, e.self, amount)
	return e.handler.Handle(ctx, asset, amount, sender, payload)
}

func TestDispatcherStrictFailureIsTerminal(t *testing.T) {
	self := common.HexToAddress("0x0000000000000000000000000000000000001001")
	target := common.HexToAddress("0x0000000000000000000000000000000000002002")

	state := ledger.New()
	exec, _ := handler.New(self, state)

	// 带负载但目标无代码，严格模式下传播不可重试的失败。
	payload, err := handler.EncodeInstructions(&handler.Instructions{
		Calls: []handler.Call{{Target: target, CallData: []byte{0x01}, Value: big.NewInt(0)}},
	})
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}

	_, final := submitAndDispatch(t, exec, nil, SubmitRequest{
		Sender:  "0x00000000000000000000000000000000000000bb",
		Payload: hexutil.Encode(payload),
	})
	if final.Status != StatusFailed {
		t.Fatalf("严格模式失败应标记为失败: %+v", final)
	}
	if final.ErrorCode != string(handler.CodeInvalidCall) {
		t.Fatalf("错误码不符: %s", final.ErrorCode)
	}
	if final.Attempts != 1 {
		t.Fatalf("不可重试失败不应重试: %d", final.Attempts)
	}
}

func TestDispatcherRetriesRetryableFailure(t *testing.T) {
	target := common.HexToAddress("0x0000000000000000000000000000000000002002")
	payload, err := handler.EncodeInstructions(&handler.Instructions{
		Calls: []handler.Call{{Target: target, Value: big.NewInt(0)}},
	})
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	service := NewService(store, queue, 3)
	executor := &fakeExecutor{result: xerrors.New(CodeMessageDispatch, "transient")}
	dispatcher := NewDispatcher(executor, store, queue, queue)

	go func() {
		if err := dispatcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("dispatcher exited: %v", err)
		}
	}()

	msg, err := service.Submit(ctx, SubmitRequest{
		Sender:  "0x00000000000000000000000000000000000000bb",
		Payload: hexutil.Encode(payload),
	})
	if err != nil {
		t.Fatalf("提交失败: %v", err)
	}

	// 非终结失败会被重投，直到重试次数耗尽。
	deadline := time.After(5 * time.Second)
	for executor.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("重试未达上限, 已执行 %d 次", executor.calls.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}

	final, err := service.WaitUntilCompleted(ctx, msg.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("等待消息完成失败: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("重试耗尽后应失败: %+v", final)
	}
	if final.Attempts != 3 {
		t.Fatalf("unexpected attempts: %d", final.Attempts)
	}
}

func TestDispatcherHandlesConcurrentMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(256)
	service := NewService(store, queue, 3)
	executor := &fakeExecutor{}
	dispatcher := NewDispatcher(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := dispatcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("dispatcher exited: %v", err)
		}
	}()

	target := common.HexToAddress("0x0000000000000000000000000000000000002002")
	payload, err := handler.EncodeInstructions(&handler.Instructions{
		Calls: []handler.Call{{Target: target, Value: big.NewInt(0)}},
	})
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	encoded := hexutil.Encode(payload)

	total := 50
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		msg, err := service.Submit(ctx, SubmitRequest{
			Sender:  "0x00000000000000000000000000000000000000bb",
			Payload: encoded,
		})
		if err != nil {
			t.Fatalf("提交失败: %v", err)
		}
		ids = append(ids, msg.ID)
	}
	for _, id := range ids {
		msg, err := service.WaitUntilCompleted(ctx, id, 20*time.Millisecond)
		if err != nil {
			t.Fatalf("等待 %s 完成失败: %v", id, err)
		}
		if msg.Status != StatusDelivered {
			t.Fatalf("消息 %s 未成功投递: %+v", id, msg)
		}
	}
	if got := executor.calls.Load(); int(got) != total {
		t.Fatalf("执行次数不符: %d", got)
	}
	cancel()
}
