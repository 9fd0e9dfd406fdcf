package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type fakeBackend struct {
	chainID  *big.Int
	block    uint64
	code     map[common.Address][]byte
	balances map[common.Address]*big.Int
	tokens   map[common.Address]map[common.Address]*big.Int
	err      error
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.chainID, nil
}

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	if b.err != nil {
		return 0, b.err
	}
	return b.block, nil
}

func (b *fakeBackend) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.code[account], nil
}

func (b *fakeBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if b.err != nil {
		return nil, b.err
	}
	if balance, ok := b.balances[account]; ok {
		return balance, nil
	}
	return new(big.Int), nil
}

func (b *fakeBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	method, err := parsedERC20.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	holder := args[0].(common.Address)
	balance := new(big.Int)
	if holders, ok := b.tokens[*call.To]; ok {
		if v, ok := holders[holder]; ok {
			balance = v
		}
	}
	return method.Outputs.Pack(balance)
}

func TestClientFetchSnapshot(t *testing.T) {
	backend := &fakeBackend{chainID: big.NewInt(1337), block: 42}
	client := NewBackendClient("fake", backend)

	snapshot, err := client.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" {
		t.Fatalf("unexpected chain id: %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber != "0x2a" {
		t.Fatalf("unexpected block number: %s", snapshot.BlockNumber)
	}
}

func TestClientHasCode(t *testing.T) {
	withCode := common.HexToAddress("0x01")
	backend := &fakeBackend{
		code: map[common.Address][]byte{withCode: {0x60, 0x00}},
	}
	client := NewBackendClient("fake", backend)

	has, err := client.HasCode(context.Background(), withCode)
	if err != nil {
		t.Fatalf("has code: %v", err)
	}
	if !has {
		t.Fatal("expected code to be present")
	}

	has, err = client.HasCode(context.Background(), common.HexToAddress("0x02"))
	if err != nil {
		t.Fatalf("has code: %v", err)
	}
	if has {
		t.Fatal("expected no code")
	}
}

func TestClientBalances(t *testing.T) {
	holder := common.HexToAddress("0x0a")
	token := common.HexToAddress("0x0b")
	backend := &fakeBackend{
		balances: map[common.Address]*big.Int{holder: big.NewInt(1000)},
		tokens: map[common.Address]map[common.Address]*big.Int{
			token: {holder: big.NewInt(250)},
		},
	}
	client := NewBackendClient("fake", backend)

	native, err := client.NativeBalance(context.Background(), holder)
	if err != nil {
		t.Fatalf("native balance: %v", err)
	}
	if native.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected native balance: %s", native)
	}

	balance, err := client.TokenBalance(context.Background(), token, holder)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if balance.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("unexpected token balance: %s", balance)
	}

	empty, err := client.TokenBalance(context.Background(), token, common.HexToAddress("0x0c"))
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if empty.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s", empty)
	}
}

func TestClientPropagatesBackendErrors(t *testing.T) {
	cause := errors.New("rpc down")
	client := NewBackendClient("fake", &fakeBackend{err: cause})

	if _, err := client.FetchSnapshot(context.Background()); !errors.Is(err, cause) {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}
	if _, err := client.HasCode(context.Background(), common.Address{}); !errors.Is(err, cause) {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}
	if _, err := client.TokenBalance(context.Background(), common.Address{}, common.Address{}); !errors.Is(err, cause) {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}
}

func TestClientClosedIsUnusable(t *testing.T) {
	client := NewBackendClient("fake", &fakeBackend{chainID: big.NewInt(1)})
	client.Close()
	if _, err := client.FetchSnapshot(context.Background()); err == nil {
		t.Fatal("expected error after close")
	}
}
