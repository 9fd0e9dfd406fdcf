package handlerclient

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Call describes a single external call inside a batch payload.
type Call struct {
	Target   common.Address
	CallData []byte
	Value    *big.Int
}

type rawPayload struct {
	Calls []struct {
		Target   common.Address
		CallData []byte
		Value    *big.Int
	}
	FallbackRecipient common.Address
}

var payloadArgs abi.Arguments

func init() {
	// Wire format: tuple(tuple(address target, bytes callData, uint256 value)[]
	// calls, address fallbackRecipient), matching the server side decoder.
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
		panic(fmt.Sprintf("build payload abi type: %v", err))
	}
	payloadArgs = abi.Arguments{{Name: "instructions", Type: typ}}
}

// EncodePayload builds the hex encoded instruction payload accepted by the
// message submission endpoint. A zero fallbackRecipient selects strict
// execution; any other address enables guarded execution with that address
// as the leftover funds recipient.
func EncodePayload(calls []Call, fallbackRecipient common.Address) (string, error) {
	raw := rawPayload{FallbackRecipient: fallbackRecipient}
	raw.Calls = make([]struct {
		Target   common.Address
		CallData []byte
		Value    *big.Int
	}, 0, len(calls))
	for _, call := range calls {
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
	encoded, err := payloadArgs.Pack(raw)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return hexutil.Encode(encoded), nil
}
