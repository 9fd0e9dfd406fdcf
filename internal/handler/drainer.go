package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
)

// DrainLeftoverTokens 把执行器当前持有的全部 asset 余额清扫到目的地址。
// 属于特权操作，供控制方在常规 Handle 流程之外回收卡住的余额。
// 余额为零时是无操作，不视为错误。
func (h *Handler) DrainLeftoverTokens(ctx context.Context, token *AccessToken, asset, destination common.Address) error {
	if !h.isSelf(token) {
		return xerrors.New(CodeNotSelf, "drainLeftoverTokens 只能由执行器自身触发")
	}
	return h.drain(ctx, asset, destination)
}

// drain 查询执行器对 asset 的即时持仓并全额转出。余额按需查询，
// 不做缓存。原生货币与同质化资产的清扫行为一致，均发出通知。
func (h *Handler) drain(ctx context.Context, asset, destination common.Address) error {
	balance, err := h.state.BalanceOf(ctx, asset, h.self)
	if err != nil {
		return xerrors.Wrap(CodeDrainFailed, err, "查询残余余额失败")
	}
	if balance == nil || balance.Sign() <= 0 {
		return nil
	}
	if err := h.state.Transfer(ctx, asset, h.self, destination, balance); err != nil {
		return xerrors.Wrap(CodeDrainFailed, err, "清扫残余余额失败")
	}

	h.logger.Info("残余余额已清扫",
		slog.String("asset", asset.Hex()),
		slog.String("destination", destination.Hex()),
		slog.String("amount", balance.String()),
	)
	if h.sink != nil {
		event := BalanceDrained{
			Destination: destination,
			Asset:       asset,
			Amount:      balance,
			OccurredAt:  time.Now(),
		}
		if err := h.sink.OnBalanceDrained(ctx, event); err != nil {
			h.logger.Error("投递清扫通知出错", slog.Any("error", err))
		}
	}
	return nil
}
