package handler

import (
	"context"
	"fmt"
	"strconv"

	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
)

// AttemptCalls 按序执行一个调用批次，属于特权操作：凭证必须由本执行器
// 签发。调用方负责在外层提供原子边界（Snapshot/RevertTo），这里只保证
// 首个失败立即中止批次。
func (h *Handler) AttemptCalls(ctx context.Context, token *AccessToken, calls []Call) error {
	if !h.isSelf(token) {
		return xerrors.New(CodeNotSelf, "attemptCalls 只能由执行器自身触发")
	}
	rev := h.state.Snapshot()
	if err := h.attemptCalls(ctx, calls); err != nil {
		h.state.RevertTo(rev)
		return err
	}
	return nil
}

// attemptCalls 是批次执行的内部路径，不做边界回滚。
func (h *Handler) attemptCalls(ctx context.Context, calls []Call) error {
	for i, call := range calls {
		// 带负载但目标没有代码的调用一律拒绝，防止打到配置错误的地址。
		if len(call.CallData) > 0 && !h.state.HasCode(call.Target) {
			return invalidCallError(i, calls)
		}
		if err := h.state.Call(ctx, h.self, call.Target, call.CallData, call.Value); err != nil {
			return callRevertedError(i, calls, err)
		}
	}
	return nil
}

func invalidCallError(index int, calls []Call) error {
	call := calls[index]
	return xerrors.New(CodeInvalidCall,
		fmt.Sprintf("第 %d 个调用携带负载但目标 %s 没有代码", index, call.Target.Hex()),
		xerrors.WithMetadata("call_index", strconv.Itoa(index)),
		xerrors.WithMetadata("call_count", strconv.Itoa(len(calls))),
		xerrors.WithMetadata("target", call.Target.Hex()),
	)
}

func callRevertedError(index int, calls []Call, cause error) error {
	call := calls[index]
	return xerrors.Wrap(CodeCallReverted, cause,
		fmt.Sprintf("第 %d 个调用执行失败", index),
		xerrors.WithMetadata("call_index", strconv.Itoa(index)),
		xerrors.WithMetadata("call_count", strconv.Itoa(len(calls))),
		xerrors.WithMetadata("target", call.Target.Hex()),
	)
}
