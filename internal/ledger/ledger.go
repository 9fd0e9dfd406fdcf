package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
)

// 账本错误码。
const (
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeContractReverted    xerrors.Code = "CONTRACT_REVERTED"
)

func init() {
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "insufficient balance",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeContractReverted, xerrors.Attributes{
		Message:   "contract execution reverted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Invocation 携带一次合约调用的上下文。
type Invocation struct {
	State *Ledger
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
}

// Contract 是注册在账本某个地址上的可执行体。执行器对其语义盲视，
// 只关心调用是否成功。
type Contract interface {
	Invoke(ctx context.Context, inv Invocation) error
}

// ContractFunc 允许用函数直接充当合约。
type ContractFunc func(ctx context.Context, inv Invocation) error

// Invoke 实现 Contract。
func (f ContractFunc) Invoke(ctx context.Context, inv Invocation) error {
	return f(ctx, inv)
}

// Ledger 持有执行器实例独占的链上状态：原生余额、同质化资产余额
// 以及各地址上注册的可执行体。所有余额变更都写入日志，
// Snapshot/RevertTo 基于日志提供检查点回滚。
type Ledger struct {
	mu        sync.Mutex
	native    map[common.Address]*big.Int
	tokens    map[common.Address]map[common.Address]*big.Int
	contracts map[common.Address]Contract
	journal   journal
}

// New 创建一个空账本。
func New() *Ledger {
	return &Ledger{
		native:    make(map[common.Address]*big.Int),
		tokens:    make(map[common.Address]map[common.Address]*big.Int),
		contracts: make(map[common.Address]Contract),
	}
}

// RegisterContract 在指定地址注册可执行体，该地址从此视为"有代码"。
// 注册属于装配期操作，不进入回滚日志。
func (l *Ledger) RegisterContract(addr common.Address, contract Contract) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contracts[addr] = contract
}

// HasCode 判断地址上是否注册了可执行体。
func (l *Ledger) HasCode(addr common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.contracts[addr]
	return ok
}

// Snapshot 记录检查点并返回修订号。
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.journal.length()
}

// RevertTo 回滚修订号之后的所有变更。
func (l *Ledger) RevertTo(revision int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal.revert(l, revision)
}

// SetNativeBalance 直接设置原生余额，供装配与测试铸币使用。
func (l *Ledger) SetNativeBalance(addr common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setNative(addr, amount)
}

// SetTokenBalance 直接设置资产余额，供装配与测试铸币使用。
func (l *Ledger) SetTokenBalance(asset, holder common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setToken(asset, holder, amount)
}

// BalanceOf 查询余额。asset 为零地址时查询原生余额。
func (l *Ledger) BalanceOf(_ context.Context, asset, holder common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(asset, holder)), nil
}

// Transfer 在持有者之间转移余额。asset 为零地址时转移原生余额。
func (l *Ledger) Transfer(_ context.Context, asset, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(asset, from, to, amount)
}

// Call 以 from 的身份调用 target：先转移携带的原生价值，再执行目标上
// 注册的可执行体（如有）。可执行体返回的错误原样向上传播，由调用方
// 通过检查点决定回滚范围。
func (l *Ledger) Call(ctx context.Context, from, target common.Address, data []byte, value *big.Int) error {
	l.mu.Lock()
	if value != nil && value.Sign() > 0 {
		if err := l.transfer(common.Address{}, from, target, value); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	contract := l.contracts[target]
	l.mu.Unlock()

	if contract == nil {
		// 纯转账：目标没有代码时负载必须为空，该约束由执行器在
		// 调用前检查，这里不再重复。
		return nil
	}
	inv := Invocation{State: l, From: from, To: target, Data: data, Value: value}
	if err := contract.Invoke(ctx, inv); err != nil {
		return xerrors.Wrap(CodeContractReverted, err, fmt.Sprintf("合约 %s 执行失败", target.Hex()))
	}
	return nil
}

// NativeBalanceOf 返回地址的原生余额副本。
func (l *Ledger) NativeBalanceOf(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(common.Address{}, addr))
}

// Credit 给地址增加余额（隐式的价值接收入口：上游解包后把原生
// 货币或资产打给执行器时走这里）。
func (l *Ledger) Credit(asset, holder common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := new(big.Int).Add(l.balance(asset, holder), amount)
	if asset == (common.Address{}) {
		l.setNative(holder, next)
	} else {
		l.setToken(asset, holder, next)
	}
}

// balance 返回内部余额引用，调用方必须持有锁。
func (l *Ledger) balance(asset, holder common.Address) *big.Int {
	if asset == (common.Address{}) {
		if b, ok := l.native[holder]; ok {
			return b
		}
		return new(big.Int)
	}
	if holders, ok := l.tokens[asset]; ok {
		if b, ok := holders[holder]; ok {
			return b
		}
	}
	return new(big.Int)
}

func (l *Ledger) transfer(asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "转账金额不合法")
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBalance := l.balance(asset, from)
	if fromBalance.Cmp(amount) < 0 {
		return xerrors.New(CodeInsufficientBalance,
			fmt.Sprintf("地址 %s 的余额不足: 持有 %s, 需要 %s", from.Hex(), fromBalance.String(), amount.String()))
	}
	toBalance := l.balance(asset, to)
	newFrom := new(big.Int).Sub(fromBalance, amount)
	newTo := new(big.Int).Add(toBalance, amount)
	if asset == (common.Address{}) {
		l.setNative(from, newFrom)
		l.setNative(to, newTo)
	} else {
		l.setToken(asset, from, newFrom)
		l.setToken(asset, to, newTo)
	}
	return nil
}

// setNative 写入原生余额并记录撤销日志，调用方必须持有锁。
func (l *Ledger) setNative(addr common.Address, amount *big.Int) {
	prev, existed := l.native[addr]
	l.journal.append(nativeChange{account: addr, prev: cloneBig(prev), existed: existed})
	l.native[addr] = new(big.Int).Set(amount)
}

// setToken 写入资产余额并记录撤销日志，调用方必须持有锁。
func (l *Ledger) setToken(asset, holder common.Address, amount *big.Int) {
	holders, ok := l.tokens[asset]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		l.tokens[asset] = holders
	}
	prev, existed := holders[holder]
	l.journal.append(tokenChange{asset: asset, account: holder, prev: cloneBig(prev), existed: existed})
	holders[holder] = new(big.Int).Set(amount)
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
