package handlerclient

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

func TestEncodePayloadMatchesServerDecoder(t *testing.T) {
	calls := []Call{
		{
			Target:   common.HexToAddress("0x00000000000000000000000000000000000000a1"),
			CallData: []byte{0x01, 0x02},
			Value:    big.NewInt(7),
		},
		{
			Target: common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		},
	}
	fallback := common.HexToAddress("0x00000000000000000000000000000000000000c3")

	encoded, err := EncodePayload(calls, fallback)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}

	payload, err := hexutil.Decode(encoded)
	if err != nil {
		t.Fatalf("payload should be valid hex: %v", err)
	}

	values, err := payloadArgs.Unpack(payload)
	if err != nil {
		t.Fatalf("payload should decode with the same arguments: %v", err)
	}
	if len(values) != 1 {
		t.Fatalf("expected single tuple, got %d values", len(values))
	}
}

func TestEncodePayloadEmptyBatch(t *testing.T) {
	encoded, err := EncodePayload(nil, common.Address{})
	if err != nil {
		t.Fatalf("encode empty payload: %v", err)
	}
	if encoded == "" || encoded == "0x" {
		t.Fatalf("unexpected encoding: %q", encoded)
	}
}
