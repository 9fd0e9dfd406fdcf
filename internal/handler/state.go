package handler

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// NativeAsset 是原生货币的哨兵标识（零地址）。
var NativeAsset = common.Address{}

// State 抽象了执行器所依赖的链上状态能力。
//
// 执行器对目标调用完全"盲视"：它只通过 Call 发起调用，不了解目标的语义。
// Snapshot/RevertTo 提供嵌套事务边界，保证批次要么整体生效、要么毫无痕迹。
// 余额每次按需查询，绝不缓存。
type State interface {
	// Snapshot 记录一个检查点并返回其修订号。
	Snapshot() int
	// RevertTo 回滚到指定检查点之后发生的所有状态变更。
	RevertTo(revision int)
	// HasCode 判断目标地址是否存在可执行代码。
	HasCode(target common.Address) bool
	// Call 以 from 的身份向 target 发起一次携带 value 与 data 的调用。
	Call(ctx context.Context, from, target common.Address, data []byte, value *big.Int) error
	// BalanceOf 查询 holder 持有的 asset 余额；asset 为 NativeAsset 时查询原生余额。
	BalanceOf(ctx context.Context, asset, holder common.Address) (*big.Int, error)
	// Transfer 在持有者之间转移 asset；asset 为 NativeAsset 时转移原生余额。
	Transfer(ctx context.Context, asset, from, to common.Address, amount *big.Int) error
}
