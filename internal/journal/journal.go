package journal

import (
	"context"
	"time"

	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
)

// 事件类型。
const (
	KindBatchFailed    = "batch_failed"
	KindBalanceDrained = "balance_drained"
)

// 日志模块错误码。
const (
	CodeJournalAppend xerrors.Code = "JOURNAL_APPEND_FAILED"
	CodeJournalQuery  xerrors.Code = "JOURNAL_QUERY_FAILED"
)

func init() {
	xerrors.Register(CodeJournalAppend, xerrors.Attributes{
		Message:   "写入执行日志失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeJournalQuery, xerrors.Attributes{
		Message:  "查询执行日志失败",
		Severity: xerrors.SeverityWarning,
	})
}

// Entry 表示一条执行通知记录。批次失败记录携带失败原因与调用数，
// 清扫记录携带资产、目的地址和数额。
type Entry struct {
	ID          int64     `json:"id"`
	Kind        string    `json:"kind"`
	Asset       string    `json:"asset,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	CallCount   int       `json:"call_count,omitempty"`
	Fallback    string    `json:"fallback,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Filter 描述日志查询条件。
type Filter struct {
	Kind  string
	Limit int
}

// Store 定义执行日志的持久化能力。
type Store interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Close() error
}
