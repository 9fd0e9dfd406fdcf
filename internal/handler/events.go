package handler

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BatchFailed 在受护模式下批次执行失败时发出，携带完整的调用列表
// 与兜底接收地址，供系统外审计或重放。
type BatchFailed struct {
	Calls             []Call
	FallbackRecipient common.Address
	Reason            string
	ErrorCode         string
	OccurredAt        time.Time
}

// BalanceDrained 在残余余额被清扫到目的地址后发出。
type BalanceDrained struct {
	Destination common.Address
	Asset       common.Address
	Amount      *big.Int
	OccurredAt  time.Time
}

// Sink 接收执行器发出的通知事件。实现不应阻塞执行流程；
// 投递失败由执行器记录日志，不会导致调用失败。
type Sink interface {
	OnBatchFailed(ctx context.Context, event BatchFailed) error
	OnBalanceDrained(ctx context.Context, event BalanceDrained) error
}

// Sinks 将事件扇出到多个接收器。
type Sinks []Sink

// OnBatchFailed 实现 Sink。
func (s Sinks) OnBatchFailed(ctx context.Context, event BatchFailed) error {
	var firstErr error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.OnBatchFailed(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OnBalanceDrained 实现 Sink。
func (s Sinks) OnBalanceDrained(ctx context.Context, event BalanceDrained) error {
	var firstErr error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.OnBalanceDrained(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
