package handler

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/nnsW3/multicall-handler/internal/errors"
)

// Call 描述批次中的单个外部调用。
type Call struct {
	Target   common.Address `json:"target"`
	CallData []byte         `json:"callData"`
	Value    *big.Int       `json:"value"`
}

// Instructions 是入站消息负载解码后的指令批次。
// 批次仅在一次入口调用期间存活，不做持久化。
type Instructions struct {
	Calls             []Call         `json:"calls"`
	FallbackRecipient common.Address `json:"fallbackRecipient"`
}

// HasFallback 判断批次是否配置了兜底接收地址。
func (ins *Instructions) HasFallback() bool {
	return ins != nil && ins.FallbackRecipient != (common.Address{})
}

// rawInstructions 与 ABI 元组布局一一对应，仅用于编解码。
type rawInstructions struct {
	Calls []struct {
		Target   common.Address
		CallData []byte
		Value    *big.Int
	}
	FallbackRecipient common.Address
}

var instructionsArgs abi.Arguments

func init() {
	// 线格式: tuple(tuple(address target, bytes callData, uint256 value)[] calls,
	// address fallbackRecipient)，与跨链桥侧的编码保持一致。
	typ, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{
			Name: "calls",
			Type: "tuple[]",
			Components: []abi.ArgumentMarshaling{
				{Name: "target", Type: "address"},
				{Name: "callData", Type: "bytes"},
				{Name: "value", Type: "uint256"},
			},
		},
		{Name: "fallbackRecipient", Type: "address"},
	})
	if err != nil {
		panic(fmt.Sprintf("构造指令 ABI 类型失败: %v", err))
	}
	instructionsArgs = abi.Arguments{{Name: "instructions", Type: typ}}
}

// DecodeInstructions 将入站负载解码为指令批次。解码失败对整次调用是致命的。
func DecodeInstructions(payload []byte) (*Instructions, error) {
	if len(payload) == 0 {
		return nil, xerrors.New(CodeDecodeFailed, "指令负载为空")
	}
	values, err := instructionsArgs.Unpack(payload)
	if err != nil {
		return nil, xerrors.Wrap(CodeDecodeFailed, err, "解码指令负载失败")
	}
	if len(values) != 1 {
		return nil, xerrors.New(CodeDecodeFailed, "指令负载缺少元组")
	}
	raw := *abi.ConvertType(values[0], new(rawInstructions)).(*rawInstructions)

	ins := &Instructions{
		Calls:             make([]Call, 0, len(raw.Calls)),
		FallbackRecipient: raw.FallbackRecipient,
	}
	for _, call := range raw.Calls {
		value := call.Value
		if value == nil {
			value = new(big.Int)
		}
		ins.Calls = append(ins.Calls, Call{
			Target:   call.Target,
			CallData: call.CallData,
			Value:    new(big.Int).Set(value),
		})
	}
	return ins, nil
}

// EncodeInstructions 按线格式编码指令批次，主要供测试与 SDK 使用。
func EncodeInstructions(ins *Instructions) ([]byte, error) {
	if ins == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "指令批次不能为空")
	}
	raw := rawInstructions{FallbackRecipient: ins.FallbackRecipient}
	raw.Calls = make([]struct {
		Target   common.Address
		CallData []byte
		Value    *big.Int
	}, 0, len(ins.Calls))
	for _, call := range ins.Calls {
		value := call.Value
		if value == nil {
			value = new(big.Int)
		}
		raw.Calls = append(raw.Calls, struct {
			Target   common.Address
			CallData []byte
			Value    *big.Int
		}{Target: call.Target, CallData: call.CallData, Value: value})
	}
	encoded, err := instructionsArgs.Pack(raw)
	if err != nil {
		return nil, xerrors.Wrap(CodeDecodeFailed, err, "编码指令负载失败")
	}
	return encoded, nil
}
