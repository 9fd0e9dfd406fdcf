package handler

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nnsW3/multicall-handler/internal/ledger"
)

func TestDrainLeftoverTokensSweepsFullBalance(t *testing.T) {
	state := ledger.New()
	state.SetTokenBalance(tokenAddr, selfAddr, big.NewInt(777))

	sink := &capturingSink{}
	h, token := New(selfAddr, state, WithSink(sink))

	if err := h.DrainLeftoverTokens(context.Background(), token, tokenAddr, fallbackAddr); err != nil {
		t.Fatalf("清扫失败: %v", err)
	}

	got, _ := state.BalanceOf(context.Background(), tokenAddr, fallbackAddr)
	if got.Cmp(big.NewInt(777)) != 0 {
		t.Fatalf("目的地址余额不符: %s", got)
	}
	left, _ := state.BalanceOf(context.Background(), tokenAddr, selfAddr)
	if left.Sign() != 0 {
		t.Fatalf("执行器余额应清零: %s", left)
	}
	if len(sink.drains) != 1 {
		t.Fatalf("应发出一次清扫通知, got %d", len(sink.drains))
	}
	if sink.drains[0].Asset != tokenAddr || sink.drains[0].Destination != fallbackAddr {
		t.Fatalf("通知字段不符: %+v", sink.drains[0])
	}
}

func TestDrainLeftoverTokensZeroBalanceIsNoop(t *testing.T) {
	state := ledger.New()
	sink := &capturingSink{}
	h, token := New(selfAddr, state, WithSink(sink))

	if err := h.DrainLeftoverTokens(context.Background(), token, tokenAddr, fallbackAddr); err != nil {
		t.Fatalf("零余额清扫应为无操作: %v", err)
	}
	if len(sink.drains) != 0 {
		t.Fatalf("零余额不应发出通知")
	}
}

func TestDrainNativeBalanceEmitsNotification(t *testing.T) {
	state := ledger.New()
	state.SetNativeBalance(selfAddr, big.NewInt(12))

	sink := &capturingSink{}
	h, token := New(selfAddr, state, WithSink(sink))

	if err := h.DrainLeftoverTokens(context.Background(), token, NativeAsset, fallbackAddr); err != nil {
		t.Fatalf("原生余额清扫失败: %v", err)
	}
	if got := state.NativeBalanceOf(fallbackAddr); got.Cmp(big.NewInt(12)) != 0 {
		t.Fatalf("目的地址余额不符: %s", got)
	}
	// 原生货币与同质化资产走同一条通知路径。
	if len(sink.drains) != 1 || sink.drains[0].Asset != (common.Address{}) {
		t.Fatalf("原生清扫应发出通知: %+v", sink.drains)
	}
}
