package journal

import (
	"context"
	"log/slog"
	"time"

	"github.com/nnsW3/multicall-handler/internal/handler"
	"github.com/nnsW3/multicall-handler/pkg/logger"
)

// StoreSink 实现 handler.Sink，把执行器发出的通知写入日志存储。
// 写入失败只记录日志，不影响执行结果。
type StoreSink struct {
	store Store
}

// NewStoreSink 构造 StoreSink。
func NewStoreSink(store Store) *StoreSink {
	return &StoreSink{store: store}
}

// OnBatchFailed 实现 handler.Sink。
func (s *StoreSink) OnBatchFailed(ctx context.Context, event handler.BatchFailed) error {
	if s == nil || s.store == nil {
		return nil
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	entry := Entry{
		Kind:       KindBatchFailed,
		CallCount:  len(event.Calls),
		Fallback:   event.FallbackRecipient.Hex(),
		Reason:     event.Reason,
		ErrorCode:  event.ErrorCode,
		OccurredAt: occurredAt,
	}
	if err := s.store.Append(ctx, entry); err != nil {
		logger.L().Error("记录批次失败事件出错", slog.Any("error", err))
		return err
	}
	return nil
}

// OnBalanceDrained 实现 handler.Sink。
func (s *StoreSink) OnBalanceDrained(ctx context.Context, event handler.BalanceDrained) error {
	if s == nil || s.store == nil {
		return nil
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	entry := Entry{
		Kind:        KindBalanceDrained,
		Asset:       event.Asset.Hex(),
		Destination: event.Destination.Hex(),
		OccurredAt:  occurredAt,
	}
	if event.Amount != nil {
		entry.Amount = event.Amount.String()
	}
	if err := s.store.Append(ctx, entry); err != nil {
		logger.L().Error("记录余额清扫事件出错", slog.Any("error", err))
		return err
	}
	return nil
}
