package handler

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestInstructionsRoundTrip(t *testing.T) {
	original := &Instructions{
		Calls: []Call{
			{
				Target:   common.HexToAddress("0x00000000000000000000000000000000000000a1"),
				CallData: []byte{0x01, 0x02, 0x03},
				Value:    big.NewInt(42),
			},
			{
				Target: common.HexToAddress("0x00000000000000000000000000000000000000b2"),
				Value:  big.NewInt(0),
			},
		},
		FallbackRecipient: common.HexToAddress("0x00000000000000000000000000000000000000c3"),
	}

	payload, err := EncodeInstructions(original)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	decoded, err := DecodeInstructions(payload)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}

	if decoded.FallbackRecipient != original.FallbackRecipient {
		t.Fatalf("兜底地址不符: %s", decoded.FallbackRecipient.Hex())
	}
	if len(decoded.Calls) != len(original.Calls) {
		t.Fatalf("调用数量不符: %d", len(decoded.Calls))
	}
	for i, call := range decoded.Calls {
		want := original.Calls[i]
		if call.Target != want.Target {
			t.Fatalf("第 %d 个调用目标不符", i)
		}
		if !bytes.Equal(call.CallData, want.CallData) {
			t.Fatalf("第 %d 个调用负载不符", i)
		}
		wantValue := want.Value
		if wantValue == nil {
			wantValue = new(big.Int)
		}
		if call.Value.Cmp(wantValue) != 0 {
			t.Fatalf("第 %d 个调用金额不符", i)
		}
	}
}

func TestDecodeInstructionsEmptyBatch(t *testing.T) {
	payload, err := EncodeInstructions(&Instructions{})
	if err != nil {
		t.Fatalf("编码空批次失败: %v", err)
	}
	decoded, err := DecodeInstructions(payload)
	if err != nil {
		t.Fatalf("解码空批次失败: %v", err)
	}
	if len(decoded.Calls) != 0 {
		t.Fatalf("空批次不应有调用: %d", len(decoded.Calls))
	}
	if decoded.HasFallback() {
		t.Fatalf("零地址不应视为兜底配置")
	}
}

func TestDecodeInstructionsRejectsGarbage(t *testing.T) {
	for _, payload := range [][]byte{nil, {}, {0xff}, bytes.Repeat([]byte{0x00}, 31)} {
		if _, err := DecodeInstructions(payload); !errors.Is(err, ErrDecodeFailed) {
			t.Fatalf("畸形负载应解码失败, got %v", err)
		}
	}
}

func TestHasFallback(t *testing.T) {
	var nilIns *Instructions
	if nilIns.HasFallback() {
		t.Fatalf("nil 批次不应有兜底配置")
	}
	ins := &Instructions{FallbackRecipient: common.HexToAddress("0x01")}
	if !ins.HasFallback() {
		t.Fatalf("非零兜底地址应被识别")
	}
}

func TestEncodeInstructionsNilValueNormalised(t *testing.T) {
	payload, err := EncodeInstructions(&Instructions{
		Calls: []Call{{Target: common.HexToAddress("0x02"), Value: nil}},
	})
	if err != nil {
		t.Fatalf("nil 金额应按零处理: %v", err)
	}
	decoded, err := DecodeInstructions(payload)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if decoded.Calls[0].Value.Sign() != 0 {
		t.Fatalf("nil 金额应解码为零")
	}
}
