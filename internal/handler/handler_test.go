package handler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nnsW3/multicall-handler/internal/ledger"
)

var (
	selfAddr     = common.HexToAddress("0x0000000000000000000000000000000000001001")
	senderAddr   = common.HexToAddress("0x0000000000000000000000000000000000002002")
	fallbackAddr = common.HexToAddress("0x0000000000000000000000000000000000003003")
	tokenAddr    = common.HexToAddress("0x0000000000000000000000000000000000004004")
	plainAddr    = common.HexToAddress("0x0000000000000000000000000000000000005005")
)

type capturingSink struct {
	mu       sync.Mutex
	batches  []BatchFailed
	drains   []BalanceDrained
	batchErr error
}

func (s *capturingSink) OnBatchFailed(_ context.Context, event BatchFailed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, event)
	return s.batchErr
}

func (s *capturingSink) OnBalanceDrained(_ context.Context, event BalanceDrained) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drains = append(s.drains, event)
	return nil
}

func encodePayload(t *testing.T, calls []Call, fallback common.Address) []byte {
	t.Helper()
	payload, err := EncodeInstructions(&Instructions{Calls: calls, FallbackRecipient: fallback})
	if err != nil {
		t.Fatalf("编码指令失败: %v", err)
	}
	return payload
}

func TestHandleStrictModeSuccess(t *testing.T) {
	state := ledger.New()
	state.SetNativeBalance(selfAddr, big.NewInt(100))

	h, _ := New(selfAddr, state)
	payload := encodePayload(t, []Call{
		{Target: plainAddr, Value: big.NewInt(40)},
		{Target: plainAddr, Value: big.NewInt(10)},
	}, common.Address{})

	if err := h.Handle(context.Background(), NativeAsset, big.NewInt(100), senderAddr, payload); err != nil {
		t.Fatalf("严格模式成功批次不应报错: %v", err)
	}
	if got := state.NativeBalanceOf(plainAddr); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("目标余额不符: got %s", got)
	}
	if got := state.NativeBalanceOf(selfAddr); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("执行器余额不符: got %s", got)
	}
}

func TestHandleStrictModeFailureRollsBackAndPropagates(t *testing.T) {
	state := ledger.New()
	state.SetNativeBalance(selfAddr, big.NewInt(100))
	state.RegisterContract(tokenAddr, ledger.ContractFunc(func(context.Context, ledger.Invocation) error {
		return errors.New("boom")
	}))

	h, _ := New(selfAddr, state)
	payload := encodePayload(t, []Call{
		{Target: plainAddr, Value: big.NewInt(30)},
		{Target: tokenAddr, CallData: []byte{0x01}},
	}, common.Address{})

	err := h.Handle(context.Background(), NativeAsset, big.NewInt(100), senderAddr, payload)
	if !errors.Is(err, ErrCallReverted) {
		t.Fatalf("期望 CALL_REVERTED, got %v", err)
	}
	if got := state.NativeBalanceOf(plainAddr); got.Sign() != 0 {
		t.Fatalf("严格模式失败后首个调用的转账应回滚, got %s", got)
	}
	if got := state.NativeBalanceOf(selfAddr); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("严格模式失败后执行器余额应还原, got %s", got)
	}
}

func TestHandleGuardedModeRecoversAndDrains(t *testing.T) {
	state := ledger.New()
	state.SetTokenBalance(tokenAddr, selfAddr, big.NewInt(500))
	state.RegisterContract(plainAddr, ledger.ContractFunc(func(context.Context, ledger.Invocation) error {
		return errors.New("revert")
	}))

	sink := &capturingSink{}
	h, _ := New(selfAddr, state, WithSink(sink))
	payload := encodePayload(t, []Call{
		{Target: plainAddr, CallData: []byte{0xde, 0xad}},
	}, fallbackAddr)

	if err := h.Handle(context.Background(), tokenAddr, big.NewInt(500), senderAddr, payload); err != nil {
		t.Fatalf("受护模式应吸收批次失败: %v", err)
	}

	if len(sink.batches) != 1 {
		t.Fatalf("应发出一次批次失败通知, got %d", len(sink.batches))
	}
	if sink.batches[0].ErrorCode != string(CodeCallReverted) {
		t.Fatalf("通知错误码不符: %s", sink.batches[0].ErrorCode)
	}
	if sink.batches[0].FallbackRecipient != fallbackAddr {
		t.Fatalf("通知兜底地址不符: %s", sink.batches[0].FallbackRecipient.Hex())
	}

	if len(sink.drains) != 1 {
		t.Fatalf("应发出一次清扫通知, got %d", len(sink.drains))
	}
	if sink.drains[0].Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("清扫金额不符: %s", sink.drains[0].Amount)
	}

	got, _ := state.BalanceOf(context.Background(), tokenAddr, fallbackAddr)
	if got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("兜底地址应收到全部余额, got %s", got)
	}
}

func TestHandleGuardedModeDrainsAfterSuccess(t *testing.T) {
	state := ledger.New()
	state.SetNativeBalance(selfAddr, big.NewInt(100))

	sink := &capturingSink{}
	h, _ := New(selfAddr, state, WithSink(sink))
	payload := encodePayload(t, []Call{
		{Target: plainAddr, Value: big.NewInt(60)},
	}, fallbackAddr)

	if err := h.Handle(context.Background(), NativeAsset, big.NewInt(100), senderAddr, payload); err != nil {
		t.Fatalf("受护模式成功批次不应报错: %v", err)
	}
	if len(sink.batches) != 0 {
		t.Fatalf("成功批次不应发出失败通知")
	}
	// 成功后残余的 40 仍然会清扫给兜底地址。
	if len(sink.drains) != 1 || sink.drains[0].Amount.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("残余余额应无条件清扫: %+v", sink.drains)
	}
	if got := state.NativeBalanceOf(fallbackAddr); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("兜底地址余额不符: %s", got)
	}
}

func TestHandleRejectsPayloadAgainstCodelessTarget(t *testing.T) {
	state := ledger.New()
	h, _ := New(selfAddr, state)
	payload := encodePayload(t, []Call{
		{Target: plainAddr, CallData: []byte{0x01, 0x02}},
	}, common.Address{})

	err := h.Handle(context.Background(), NativeAsset, big.NewInt(0), senderAddr, payload)
	if !errors.Is(err, ErrInvalidCall) {
		t.Fatalf("期望 INVALID_CALL, got %v", err)
	}
}

func TestHandleAllowsValueOnlyCallToCodelessTarget(t *testing.T) {
	state := ledger.New()
	state.SetNativeBalance(selfAddr, big.NewInt(10))
	h, _ := New(selfAddr, state)
	payload := encodePayload(t, []Call{
		{Target: plainAddr, Value: big.NewInt(10)},
	}, common.Address{})

	if err := h.Handle(context.Background(), NativeAsset, big.NewInt(10), senderAddr, payload); err != nil {
		t.Fatalf("纯转账不应要求目标有代码: %v", err)
	}
}

func TestHandleDecodeFailureIsFatalInBothModes(t *testing.T) {
	state := ledger.New()
	h, _ := New(selfAddr, state)

	for _, payload := range [][]byte{nil, {0x01, 0x02, 0x03}} {
		err := h.Handle(context.Background(), NativeAsset, big.NewInt(0), senderAddr, payload)
		if !errors.Is(err, ErrDecodeFailed) {
			t.Fatalf("期望 INSTRUCTIONS_DECODE_FAILED, got %v", err)
		}
	}
}

func TestHandleReentrancyRejected(t *testing.T) {
	state := ledger.New()
	var h *Handler
	reentry := encodeReentryPayload(t)
	var innerErr error
	state.RegisterContract(tokenAddr, ledger.ContractFunc(func(ctx context.Context, _ ledger.Invocation) error {
		innerErr = h.Handle(ctx, NativeAsset, big.NewInt(0), senderAddr, reentry)
		return nil
	}))

	h, _ = New(selfAddr, state)
	payload := encodePayload(t, []Call{
		{Target: tokenAddr, CallData: []byte{0x01}},
	}, common.Address{})

	if err := h.Handle(context.Background(), NativeAsset, big.NewInt(0), senderAddr, payload); err != nil {
		t.Fatalf("外层调用不应失败: %v", err)
	}
	if !errors.Is(innerErr, ErrReentrantCall) {
		t.Fatalf("内层再入应被拒绝, got %v", innerErr)
	}

	// 守卫释放后入口可以正常复用。
	if err := h.Handle(context.Background(), NativeAsset, big.NewInt(0), senderAddr, reentry); err != nil {
		t.Fatalf("守卫未释放: %v", err)
	}
}

func encodeReentryPayload(t *testing.T) []byte {
	t.Helper()
	return encodePayload(t, nil, common.Address{})
}

func TestPrivilegedOperationsRequireIssuedToken(t *testing.T) {
	state := ledger.New()
	h, token := New(selfAddr, state)
	_, otherToken := New(senderAddr, ledger.New())

	calls := []Call{{Target: plainAddr, Value: big.NewInt(0)}}
	if err := h.AttemptCalls(context.Background(), otherToken, calls); !errors.Is(err, ErrNotSelf) {
		t.Fatalf("外部凭证应被拒绝, got %v", err)
	}
	if err := h.AttemptCalls(context.Background(), nil, calls); !errors.Is(err, ErrNotSelf) {
		t.Fatalf("空凭证应被拒绝, got %v", err)
	}
	if err := h.AttemptCalls(context.Background(), token, calls); err != nil {
		t.Fatalf("自签凭证应放行: %v", err)
	}

	if err := h.DrainLeftoverTokens(context.Background(), otherToken, NativeAsset, fallbackAddr); !errors.Is(err, ErrNotSelf) {
		t.Fatalf("清扫应拒绝外部凭证, got %v", err)
	}
}

func TestAttemptCallsRollsBackOnFailure(t *testing.T) {
	state := ledger.New()
	state.SetNativeBalance(selfAddr, big.NewInt(100))
	state.RegisterContract(tokenAddr, ledger.ContractFunc(func(context.Context, ledger.Invocation) error {
		return errors.New("boom")
	}))

	h, token := New(selfAddr, state)
	err := h.AttemptCalls(context.Background(), token, []Call{
		{Target: plainAddr, Value: big.NewInt(70)},
		{Target: tokenAddr, CallData: []byte{0x01}},
	})
	if !errors.Is(err, ErrCallReverted) {
		t.Fatalf("期望 CALL_REVERTED, got %v", err)
	}
	if got := state.NativeBalanceOf(selfAddr); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("批次失败后余额应还原, got %s", got)
	}
}

func TestBatchFailedCarriesCallMetadata(t *testing.T) {
	state := ledger.New()
	state.RegisterContract(tokenAddr, ledger.ContractFunc(func(context.Context, ledger.Invocation) error {
		return errors.New("revert")
	}))

	sink := &capturingSink{}
	h, _ := New(selfAddr, state, WithSink(sink))
	calls := []Call{
		{Target: tokenAddr, CallData: []byte{0xaa}},
		{Target: plainAddr, Value: big.NewInt(1)},
	}
	payload := encodePayload(t, calls, fallbackAddr)

	if err := h.Handle(context.Background(), NativeAsset, big.NewInt(0), senderAddr, payload); err != nil {
		t.Fatalf("受护模式应吸收失败: %v", err)
	}
	if len(sink.batches) != 1 {
		t.Fatalf("缺少批次失败通知")
	}
	event := sink.batches[0]
	if len(event.Calls) != len(calls) {
		t.Fatalf("通知应携带完整调用列表: %d", len(event.Calls))
	}
	if event.Reason == "" {
		t.Fatalf("通知应携带失败原因")
	}
}
