package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	asset = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func TestTransferNativeAndToken(t *testing.T) {
	l := New()
	l.SetNativeBalance(alice, big.NewInt(100))
	l.SetTokenBalance(asset, alice, big.NewInt(50))

	if err := l.Transfer(context.Background(), common.Address{}, alice, bob, big.NewInt(30)); err != nil {
		t.Fatalf("原生转账失败: %v", err)
	}
	if err := l.Transfer(context.Background(), asset, alice, bob, big.NewInt(20)); err != nil {
		t.Fatalf("资产转账失败: %v", err)
	}

	if got := l.NativeBalanceOf(bob); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("bob 原生余额不符: %s", got)
	}
	got, _ := l.BalanceOf(context.Background(), asset, bob)
	if got.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("bob 资产余额不符: %s", got)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	l := New()
	l.SetNativeBalance(alice, big.NewInt(5))
	err := l.Transfer(context.Background(), common.Address{}, alice, bob, big.NewInt(10))
	if xerrors.CodeOf(err) != CodeInsufficientBalance {
		t.Fatalf("期望余额不足错误, got %v", err)
	}
}

func TestTransferZeroAmountIsNoop(t *testing.T) {
	l := New()
	if err := l.Transfer(context.Background(), common.Address{}, alice, bob, big.NewInt(0)); err != nil {
		t.Fatalf("零金额转账应为无操作: %v", err)
	}
	if err := l.Transfer(context.Background(), common.Address{}, alice, bob, big.NewInt(-1)); err == nil {
		t.Fatalf("负金额转账应报错")
	}
}

func TestSnapshotRevertRestoresBalances(t *testing.T) {
	l := New()
	l.SetNativeBalance(alice, big.NewInt(100))

	rev := l.Snapshot()
	if err := l.Transfer(context.Background(), common.Address{}, alice, bob, big.NewInt(60)); err != nil {
		t.Fatalf("转账失败: %v", err)
	}
	l.SetTokenBalance(asset, bob, big.NewInt(7))

	l.RevertTo(rev)

	if got := l.NativeBalanceOf(alice); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("回滚后 alice 余额不符: %s", got)
	}
	if got := l.NativeBalanceOf(bob); got.Sign() != 0 {
		t.Fatalf("回滚后 bob 余额应清零: %s", got)
	}
	got, _ := l.BalanceOf(context.Background(), asset, bob)
	if got.Sign() != 0 {
		t.Fatalf("回滚后资产余额应清零: %s", got)
	}
}

func TestNestedSnapshots(t *testing.T) {
	l := New()
	l.SetNativeBalance(alice, big.NewInt(100))

	outer := l.Snapshot()
	_ = l.Transfer(context.Background(), common.Address{}, alice, bob, big.NewInt(10))

	inner := l.Snapshot()
	_ = l.Transfer(context.Background(), common.Address{}, alice, bob, big.NewInt(20))

	l.RevertTo(inner)
	if got := l.NativeBalanceOf(bob); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("内层回滚后应保留外层变更: %s", got)
	}

	l.RevertTo(outer)
	if got := l.NativeBalanceOf(bob); got.Sign() != 0 {
		t.Fatalf("外层回滚后应清空全部变更: %s", got)
	}
	if got := l.NativeBalanceOf(alice); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("外层回滚后 alice 余额不符: %s", got)
	}
}

func TestCallTransfersValueAndInvokesContract(t *testing.T) {
	l := New()
	l.SetNativeBalance(alice, big.NewInt(50))

	var gotValue *big.Int
	l.RegisterContract(bob, ContractFunc(func(_ context.Context, inv Invocation) error {
		gotValue = inv.Value
		return nil
	}))

	if !l.HasCode(bob) {
		t.Fatalf("注册后地址应视为有代码")
	}
	if l.HasCode(alice) {
		t.Fatalf("未注册地址不应有代码")
	}

	if err := l.Call(context.Background(), alice, bob, []byte{0x01}, big.NewInt(5)); err != nil {
		t.Fatalf("调用失败: %v", err)
	}
	if gotValue == nil || gotValue.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("合约应收到携带金额: %v", gotValue)
	}
	if got := l.NativeBalanceOf(bob); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("携带金额应先入账: %s", got)
	}
}

func TestCallContractFailureWrapped(t *testing.T) {
	l := New()
	cause := errors.New("boom")
	l.RegisterContract(bob, ContractFunc(func(context.Context, Invocation) error {
		return cause
	}))

	err := l.Call(context.Background(), alice, bob, nil, nil)
	if xerrors.CodeOf(err) != CodeContractReverted {
		t.Fatalf("期望合约失败错误码, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("应保留原始失败原因")
	}
}

func TestCreditAccumulates(t *testing.T) {
	l := New()
	l.Credit(common.Address{}, alice, big.NewInt(10))
	l.Credit(common.Address{}, alice, big.NewInt(15))
	l.Credit(asset, alice, big.NewInt(3))
	l.Credit(asset, alice, nil)
	l.Credit(asset, alice, big.NewInt(-1))

	if got := l.NativeBalanceOf(alice); got.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("原生入账不符: %s", got)
	}
	got, _ := l.BalanceOf(context.Background(), asset, alice)
	if got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("资产入账不符: %s", got)
	}
}

func TestBalanceOfReturnsCopy(t *testing.T) {
	l := New()
	l.SetNativeBalance(alice, big.NewInt(9))
	got, _ := l.BalanceOf(context.Background(), common.Address{}, alice)
	got.SetInt64(0)
	if l.NativeBalanceOf(alice).Cmp(big.NewInt(9)) != 0 {
		t.Fatalf("查询结果应是副本")
	}
}
