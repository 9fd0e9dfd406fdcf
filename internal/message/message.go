package message

import (
	stdErrors "errors"

	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
)

// Status 表示入站消息在投递生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Receipt 保存一次批次执行的回执。
type Receipt struct {
	Guarded       bool   `json:"guarded"`
	CallCount     int    `json:"call_count"`
	BatchFailed   bool   `json:"batch_failed"`
	FailureCode   string `json:"failure_code,omitempty"`
	Fallback      string `json:"fallback,omitempty"`
	DrainedAmount string `json:"drained_amount,omitempty"`
}

// Message 描述一条排队等待执行的跨链指令消息。Asset/Sender 为十六进制
// 地址（零地址表示原生货币），Amount 为十进制数额，Payload 为十六进制
// 编码的指令负载。
type Message struct {
	ID         string   `json:"id"`
	Chain      string   `json:"chain,omitempty"`
	Asset      string   `json:"asset"`
	Amount     string   `json:"amount"`
	Sender     string   `json:"sender"`
	Payload    string   `json:"payload"`
	Status     Status   `json:"status"`
	Attempts   int      `json:"attempts"`
	MaxRetries int      `json:"max_retries"`
	LastError  string   `json:"last_error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	Receipt    *Receipt `json:"receipt,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

var (
	// ErrMessageNotFound 表示指定的消息不存在。
	ErrMessageNotFound = xerrors.New(CodeMessageNotFound, "message not found")
	// ErrMessageConflict 表示消息在当前状态下无法进行所请求的操作。
	ErrMessageConflict = xerrors.New(CodeMessageConflict, "message conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrMessageDelivered 表示消息已经完成投递。
	ErrMessageDelivered = xerrors.New(CodeMessageDelivered, "message already delivered", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrMessageExhausted 表示消息的重试次数已经耗尽。
	ErrMessageExhausted = xerrors.New(CodeMessageExhausted, "message retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeMessageNotFound   xerrors.Code = "MESSAGE_NOT_FOUND"
	CodeMessageConflict   xerrors.Code = "MESSAGE_CONFLICT"
	CodeMessageDelivered  xerrors.Code = "MESSAGE_DELIVERED"
	CodeMessageExhausted  xerrors.Code = "MESSAGE_RETRIES_EXHAUSTED"
	CodeMessageValidation xerrors.Code = "MESSAGE_VALIDATION_FAILED"
	CodeMessagePublish    xerrors.Code = "MESSAGE_PUBLISH_FAILED"
	CodeMessageDispatch   xerrors.Code = "MESSAGE_DISPATCH_FAILED"
)

func init() {
	xerrors.Register(CodeMessageNotFound, xerrors.Attributes{
		Message:   "message not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMessageConflict, xerrors.Attributes{
		Message:   "message conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMessageDelivered, xerrors.Attributes{
		Message:   "message already delivered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMessageExhausted, xerrors.Attributes{
		Message:   "message retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeMessageValidation, xerrors.Attributes{
		Message:   "message validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMessagePublish, xerrors.Attributes{
		Message:   "failed to publish message",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeMessageDispatch, xerrors.Attributes{
		Message:   "message dispatch failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsMessageError 判断错误是否为指定的统一消息错误。
func IsMessageError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrMessageNotFound) {
		return target == CodeMessageNotFound
	}
	if stdErrors.Is(err, ErrMessageConflict) {
		return target == CodeMessageConflict
	}
	if stdErrors.Is(err, ErrMessageDelivered) {
		return target == CodeMessageDelivered
	}
	if stdErrors.Is(err, ErrMessageExhausted) {
		return target == CodeMessageExhausted
	}
	return false
}

// IsValidStatus 检查给定的消息状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusExecuting, StatusDelivered, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneMessage(msg *Message) *Message {
	clone := *msg
	if msg.Receipt != nil {
		receiptCopy := *msg.Receipt
		clone.Receipt = &receiptCopy
	}
	return &clone
}

func receiptHasContent(receipt *Receipt) bool {
	if receipt == nil {
		return false
	}
	return receipt.CallCount > 0 || receipt.Guarded || receipt.BatchFailed ||
		receipt.FailureCode != "" || receipt.Fallback != "" || receipt.DrainedAmount != ""
}
