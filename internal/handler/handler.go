package handler

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
	"github.com/nnsW3/multicall-handler/pkg/logger"
)

// 执行器错误码。
const (
	CodeDecodeFailed  xerrors.Code = "INSTRUCTIONS_DECODE_FAILED"
	CodeInvalidCall   xerrors.Code = "INVALID_CALL"
	CodeCallReverted  xerrors.Code = "CALL_REVERTED"
	CodeNotSelf       xerrors.Code = "NOT_SELF"
	CodeReentrantCall xerrors.Code = "REENTRANT_CALL"
	CodeDrainFailed   xerrors.Code = "DRAIN_FAILED"
)

var (
	// ErrDecodeFailed 表示入站负载无法解码为指令批次。
	ErrDecodeFailed = xerrors.New(CodeDecodeFailed, "instructions decode failed")
	// ErrInvalidCall 表示带负载的调用指向了没有代码的目标地址。
	ErrInvalidCall = xerrors.New(CodeInvalidCall, "invalid call")
	// ErrCallReverted 表示批次中的某个调用执行失败。
	ErrCallReverted = xerrors.New(CodeCallReverted, "call reverted")
	// ErrNotSelf 表示特权操作被执行器以外的身份触发。
	ErrNotSelf = xerrors.New(CodeNotSelf, "not self")
	// ErrReentrantCall 表示入口在执行期间被再次进入。
	ErrReentrantCall = xerrors.New(CodeReentrantCall, "reentrant call")
)

func init() {
	xerrors.Register(CodeDecodeFailed, xerrors.Attributes{
		Message:   "instructions decode failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidCall, xerrors.Attributes{
		Message:   "call target has no code",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCallReverted, xerrors.Attributes{
		Message:   "call reverted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotSelf, xerrors.Attributes{
		Message:   "privileged operation requires self identity",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeReentrantCall, xerrors.Attributes{
		Message:   "handler entry re-entered",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeDrainFailed, xerrors.Attributes{
		Message:   "drain leftover balance failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Handler 是批次执行器：接收一段不透明的指令负载，把其中的调用
// 作为一个原子单元逐个执行，失败时要么向外传播（严格模式），
// 要么吸收失败并把执行器持有的余额清扫到兜底地址（受护模式）。
type Handler struct {
	self   common.Address
	state  State
	sink   Sink
	guard  reentryGuard
	token  *AccessToken
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Handler)

// WithSink 配置事件接收器。
func WithSink(sink Sink) Option {
	return func(h *Handler) {
		h.sink = sink
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = log
	}
}

// New 构造执行器并签发其访问凭证。凭证只应交给受信任的
// 控制方（装配代码、运维接口），绝不向批次内的调用目标暴露。
func New(self common.Address, state State, opts ...Option) (*Handler, *AccessToken) {
	h := &Handler{self: self, state: state}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.logger == nil {
		h.logger = logger.Named("handler")
	}
	h.token = &AccessToken{owner: h}
	return h, h.token
}

// Self 返回执行器自身的地址标识。
func (h *Handler) Self() common.Address {
	if h == nil {
		return common.Address{}
	}
	return h.self
}

// Handle 是唯一的对外入口。完整执行期间持有再入锁。
//
// 负载解码失败、访问错误与再入错误永远向调用方传播；批次内的
// 结构性/执行性失败仅在严格模式（未配置兜底地址）下传播，
// 受护模式下被隔离边界吸收并转化为 BatchFailed 通知，随后
// 无条件执行清扫。
func (h *Handler) Handle(ctx context.Context, asset common.Address, amount *big.Int, sender common.Address, payload []byte) error {
	if h == nil || h.state == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "执行器未初始化")
	}
	if !h.guard.enter() {
		return xerrors.New(CodeReentrantCall, "入口执行期间被再次进入")
	}
	defer h.guard.exit()

	ins, err := DecodeInstructions(payload)
	if err != nil {
		return err
	}

	h.logger.Debug("收到指令批次",
		slog.String("asset", asset.Hex()),
		slog.String("sender", sender.Hex()),
		slog.Int("calls", len(ins.Calls)),
		slog.Bool("guarded", ins.HasFallback()),
	)

	// 整次调用是一个事务：传播出去的失败不留下任何状态变更。
	outer := h.state.Snapshot()

	if !ins.HasFallback() {
		// 严格模式：失败原样向外传播，不做任何恢复。
		if err := h.attemptCalls(ctx, ins.Calls); err != nil {
			h.state.RevertTo(outer)
			return err
		}
		return nil
	}

	// 受护模式：批次在独立的子事务边界内运行，其失败不会中止
	// 外层调用，只回滚子事务内的全部效果。
	inner := h.state.Snapshot()
	if err := h.attemptCalls(ctx, ins.Calls); err != nil {
		h.state.RevertTo(inner)
		h.emitBatchFailed(ctx, ins, err)
	}

	if err := h.drain(ctx, asset, ins.FallbackRecipient); err != nil {
		h.state.RevertTo(outer)
		return err
	}
	return nil
}

func (h *Handler) emitBatchFailed(ctx context.Context, ins *Instructions, cause error) {
	h.logger.Warn("批次执行失败，回滚并走兜底清扫",
		slog.String("fallback", ins.FallbackRecipient.Hex()),
		slog.Int("calls", len(ins.Calls)),
		slog.String("error", cause.Error()),
	)
	if h.sink == nil {
		return
	}
	event := BatchFailed{
		Calls:             ins.Calls,
		FallbackRecipient: ins.FallbackRecipient,
		Reason:            cause.Error(),
		ErrorCode:         string(xerrors.CodeOf(cause)),
		OccurredAt:        time.Now(),
	}
	if err := h.sink.OnBatchFailed(ctx, event); err != nil {
		h.logger.Error("投递批次失败通知出错", slog.Any("error", err))
	}
}
