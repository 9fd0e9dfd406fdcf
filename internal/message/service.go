package message

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
	"github.com/nnsW3/multicall-handler/internal/handler"
	"github.com/nnsW3/multicall-handler/pkg/logger"
)

// SubmitRequest 描述上游投递系统提交的一条指令消息。
type SubmitRequest struct {
	ID      string `json:"id,omitempty"`
	Chain   string `json:"chain,omitempty"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Sender  string `json:"sender"`
	Payload string `json:"payload"`
}

// Preflighter 提供目标地址的代码存在性检查，通常由链客户端实现。
type Preflighter interface {
	HasCode(ctx context.Context, target common.Address) (bool, error)
}

// Service 负责消息的接收与查询。
type Service struct {
	store      Store
	producer   Producer
	preflight  Preflighter
	maxRetries int
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithPreflight 配置提交时的链上代码预检。
func WithPreflight(p Preflighter) ServiceOption {
	return func(s *Service) {
		s.preflight = p
	}
}

// NewService 构造消息服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 校验并接收一条新消息，随后推送到队列。相同 ID 的重复提交
// 返回已存在的消息（幂等）。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Message, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "消息服务未初始化")
	}

	asset, amount, sender, payload, err := ParseEnvelope(req.Asset, req.Amount, req.Sender, req.Payload)
	if err != nil {
		return nil, err
	}
	ins, err := handler.DecodeInstructions(payload)
	if err != nil {
		return nil, xerrors.Wrap(CodeMessageValidation, err, "指令负载无法解码")
	}
	if err := s.runPreflight(ctx, ins); err != nil {
		return nil, err
	}

	messageID := strings.TrimSpace(req.ID)
	if messageID != "" {
		msg, err := s.store.Get(ctx, messageID)
		if err == nil {
			return msg, nil
		}
		if !stdErrors.Is(err, ErrMessageNotFound) {
			return nil, err
		}
	} else {
		messageID = uuid.NewString()
	}

	msg := &Message{
		ID:         messageID,
		Chain:      strings.TrimSpace(req.Chain),
		Asset:      asset.Hex(),
		Amount:     amount.String(),
		Sender:     sender.Hex(),
		Payload:    hexutil.Encode(payload),
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, msg); err != nil {
		if stdErrors.Is(err, ErrMessageConflict) {
			existing, getErr := s.store.Get(ctx, messageID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrMessageNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, messageID); err != nil {
		logger.L().Error("消息入队失败", slog.Any("error", err), slog.String("message_id", messageID))
		wrapped := xerrors.Wrap(CodeMessagePublish, err, "发布消息到队列失败")
		_ = s.store.MarkFailed(ctx, messageID, CodeMessagePublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("消息入队成功",
		slog.String("message_id", messageID),
		slog.String("asset", msg.Asset),
		slog.String("sender", msg.Sender),
		slog.Int("calls", len(ins.Calls)),
		slog.Int("max_retries", msg.MaxRetries),
	)
	return msg, nil
}

// runPreflight 对带负载的调用目标做链上代码检查，提前拦截
// 注定会被执行器拒绝的批次。
func (s *Service) runPreflight(ctx context.Context, ins *handler.Instructions) error {
	if s.preflight == nil {
		return nil
	}
	for i, call := range ins.Calls {
		if len(call.CallData) == 0 {
			continue
		}
		hasCode, err := s.preflight.HasCode(ctx, call.Target)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeChainFailure, err, "链上代码预检失败")
		}
		if !hasCode {
			return xerrors.New(CodeMessageValidation,
				fmt.Sprintf("第 %d 个调用携带负载但目标 %s 在链上没有代码", i, call.Target.Hex()))
		}
	}
	return nil
}

// Get 返回指定消息的状态。
func (s *Service) Get(ctx context.Context, id string) (*Message, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "消息存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的消息列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Message, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "消息存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的消息统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (MessageStats, error) {
	if s.store == nil {
		return MessageStats{}, xerrors.New(xerrors.CodeInitializationFailure, "消息存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询消息状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Message, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		msg, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if msg.Status == StatusDelivered || msg.Status == StatusFailed {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ParseEnvelope 解析并校验消息信封的各个字段。
func ParseEnvelope(rawAsset, rawAmount, rawSender, rawPayload string) (common.Address, *big.Int, common.Address, []byte, error) {
	var zero common.Address

	rawAsset = strings.TrimSpace(rawAsset)
	if rawAsset == "" {
		rawAsset = zero.Hex()
	}
	if !common.IsHexAddress(rawAsset) {
		return zero, nil, zero, nil, xerrors.New(CodeMessageValidation, fmt.Sprintf("资产地址不合法: %s", rawAsset))
	}
	asset := common.HexToAddress(rawAsset)

	rawSender = strings.TrimSpace(rawSender)
	if !common.IsHexAddress(rawSender) {
		return zero, nil, zero, nil, xerrors.New(CodeMessageValidation, fmt.Sprintf("发送方地址不合法: %s", rawSender))
	}
	sender := common.HexToAddress(rawSender)

	amount := new(big.Int)
	rawAmount = strings.TrimSpace(rawAmount)
	if rawAmount != "" {
		parsed, ok := amount.SetString(rawAmount, 10)
		if !ok || parsed.Sign() < 0 {
			return zero, nil, zero, nil, xerrors.New(CodeMessageValidation, fmt.Sprintf("数额不合法: %s", rawAmount))
		}
		amount = parsed
	}

	rawPayload = strings.TrimSpace(rawPayload)
	if rawPayload == "" {
		return zero, nil, zero, nil, xerrors.New(CodeMessageValidation, "指令负载不能为空")
	}
	payload, err := hexutil.Decode(rawPayload)
	if err != nil {
		return zero, nil, zero, nil, xerrors.Wrap(CodeMessageValidation, err, "指令负载不是合法的十六进制")
	}
	return asset, amount, sender, payload, nil
}
