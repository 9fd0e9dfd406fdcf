package message

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
	"github.com/nnsW3/multicall-handler/internal/handler"
	"github.com/nnsW3/multicall-handler/internal/observability/alerting"
	"github.com/nnsW3/multicall-handler/internal/observability/metrics"
	"github.com/nnsW3/multicall-handler/pkg/logger"
)

// Executor 定义了派发器所需的入口处理能力。
type Executor interface {
	Handle(ctx context.Context, asset common.Address, amount *big.Int, sender common.Address, payload []byte) error
}

// Dispatcher 负责从队列消费消息并交给入口处理器执行。
// 处理器自身串行执行，派发器用互斥锁保证多个消费协程
// 不会并发进入同一个处理器。
type Dispatcher struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	recorder    *ExecutionRecorder
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher

	execMu sync.Mutex
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger 指定日志输出。
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) DispatcherOption {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workerCount = workers
		}
	}
}

// WithRecorder 配置执行事件记录器，用于捕获回执信息。
func WithRecorder(recorder *ExecutionRecorder) DispatcherOption {
	return func(d *Dispatcher) {
		d.recorder = recorder
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) DispatcherOption {
	return func(d *Dispatcher) {
		d.alerter = dispatcher
	}
}

// NewDispatcher 构造 Dispatcher。
func NewDispatcher(executor Executor, store Store, consumer Consumer, producer Producer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.workerCount <= 0 {
		d.workerCount = 1
	}
	return d
}

// Start 启动消息处理循环。
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置消息消费者")
	}
	return d.consumer.Consume(ctx, d.workerCount, d.handle)
}

func (d *Dispatcher) handle(ctx context.Context, messageID string) error {
	if d.store == nil || d.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "派发器未初始化")
	}
	msg, err := d.store.Claim(ctx, messageID)
	if err != nil {
		if stdErrors.Is(err, ErrMessageNotFound) || stdErrors.Is(err, ErrMessageDelivered) || stdErrors.Is(err, ErrMessageExhausted) {
			d.logDebug("跳过消息", slog.String("message_id", messageID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取消息失败", slog.Any("error", err), slog.String("message_id", messageID))
		d.emitAlert(ctx, &Message{ID: messageID}, CodeMessageDispatch, err, "claim")
		return err
	}

	asset, amount, sender, payload, ins, parseErr := parseMessage(msg)
	if parseErr != nil {
		// 已经入库的消息解析失败说明数据损坏，直接终结。
		if storeErr := d.store.MarkFailed(ctx, msg.ID, CodeMessageValidation, parseErr.Error(), true); storeErr != nil {
			logger.L().Error("标记消息失败状态出错", slog.Any("error", storeErr), slog.String("message_id", msg.ID))
			return storeErr
		}
		d.emitAlert(ctx, msg, CodeMessageValidation, parseErr, "parse")
		return nil
	}

	d.execMu.Lock()
	if d.recorder != nil {
		d.recorder.Reset()
	}
	start := time.Now()
	execErr := d.executor.Handle(ctx, asset, amount, sender, payload)
	elapsed := time.Since(start)
	var capture ExecutionCapture
	if d.recorder != nil {
		capture = d.recorder.Capture()
	}
	d.execMu.Unlock()

	if execErr != nil {
		metrics.ObserveExecution(metrics.OutcomeFailed, elapsed)
		return d.handleExecutionFailure(ctx, msg, execErr)
	}
	if capture.BatchFailed {
		metrics.ObserveExecution(metrics.OutcomeBatchFailed, elapsed)
	} else {
		metrics.ObserveExecution(metrics.OutcomeDelivered, elapsed)
	}

	receipt := Receipt{
		Guarded:   ins.HasFallback(),
		CallCount: len(ins.Calls),
	}
	if capture.BatchFailed {
		receipt.BatchFailed = true
		receipt.FailureCode = capture.FailureCode
	}
	if ins.HasFallback() {
		receipt.Fallback = ins.FallbackRecipient.Hex()
	}
	if capture.DrainedAmount != nil && capture.DrainedAmount.Sign() > 0 {
		receipt.DrainedAmount = capture.DrainedAmount.String()
	}
	if err := d.store.MarkDelivered(ctx, msg.ID, receipt); err != nil {
		logger.L().Error("标记消息完成状态失败", slog.Any("error", err), slog.String("message_id", msg.ID))
		if storeErr := d.store.MarkFailed(ctx, msg.ID, CodeMessageDispatch, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("message_id", msg.ID))
			return storeErr
		}
		if pubErr := d.producer.Publish(ctx, msg.ID); pubErr != nil {
			return xerrors.Wrap(CodeMessagePublish, pubErr, fmt.Sprintf("消息 %s 在标记完成失败后重投失败", msg.ID))
		}
		logger.Audit().Warn("消息标记完成失败后重试",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	logger.Audit().Info("消息执行完成",
		slog.String("message_id", msg.ID),
		slog.String("asset", msg.Asset),
		slog.String("sender", msg.Sender),
		slog.Int("calls", receipt.CallCount),
		slog.Bool("guarded", receipt.Guarded),
		slog.Bool("batch_failed", receipt.BatchFailed),
	)
	return nil
}

func (d *Dispatcher) handleExecutionFailure(ctx context.Context, msg *Message, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeMessageDispatch
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := msg.Attempts >= msg.MaxRetries || !retryable

	if storeErr := d.store.MarkFailed(ctx, msg.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记消息失败状态出错", slog.Any("error", storeErr), slog.String("message_id", msg.ID))
		return storeErr
	}
	logger.Audit().Warn("消息执行失败",
		slog.String("message_id", msg.ID),
		slog.String("asset", msg.Asset),
		slog.String("sender", msg.Sender),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", msg.Attempts),
		slog.Int("max_retries", msg.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	d.emitAlert(ctx, msg, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := d.producer.Publish(ctx, msg.ID); pubErr != nil {
			return xerrors.Wrap(CodeMessagePublish, pubErr, fmt.Sprintf("消息 %s 重投失败", msg.ID))
		}
		d.logDebug("消息已重新排队", slog.String("message_id", msg.ID), slog.Int("attempts", msg.Attempts))
	}
	return nil
}

func (d *Dispatcher) logDebug(msg string, attrs ...slog.Attr) {
	if d.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		d.logger.Debug(msg, args...)
	}
}

func (d *Dispatcher) emitAlert(ctx context.Context, msg *Message, code xerrors.Code, cause error, stage string) {
	if d == nil || d.alerter == nil || msg == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	text := attrs.Message
	if cause != nil {
		text = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    text,
		Severity:   attrs.Severity,
		MessageID:  msg.ID,
		Attempts:   msg.Attempts,
		MaxRetries: msg.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := d.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("message_id", msg.ID),
			slog.String("stage", stage),
		)
	}
}

// parseMessage 还原入库消息的执行参数。
func parseMessage(msg *Message) (common.Address, *big.Int, common.Address, []byte, *handler.Instructions, error) {
	var zero common.Address
	asset, amount, sender, payload, err := ParseEnvelope(msg.Asset, msg.Amount, msg.Sender, msg.Payload)
	if err != nil {
		return zero, nil, zero, nil, nil, err
	}
	ins, err := handler.DecodeInstructions(payload)
	if err != nil {
		return zero, nil, zero, nil, nil, xerrors.Wrap(CodeMessageValidation, err, "指令负载无法解码")
	}
	return asset, amount, sender, payload, ins, nil
}
