package intent

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Payload 是 execute 时中继提交的执行载荷，按 ABI (bytes32,address,uint256) 编码。
type Payload struct {
	ActionHash common.Hash
	Recipient  common.Address
	Value      *big.Int
}

var payloadArgs = func() abi.Arguments {
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)
	addressTy, _ := abi.NewType("address", "", nil)
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	return abi.Arguments{
		{Name: "actionHash", Type: bytes32Ty},
		{Name: "recipient", Type: addressTy},
		{Name: "value", Type: uint256Ty},
	}
}()

// EncodePayload 编码执行载荷。
func EncodePayload(p Payload) ([]byte, error) {
	value := p.Value
	if value == nil {
		value = new(big.Int)
	}
	return payloadArgs.Pack([32]byte(p.ActionHash), p.Recipient, value)
}

// PayloadFor 返回与意图承诺一致的载荷。
func PayloadFor(desc Descriptor) Payload {
	value := new(big.Int)
	if desc.Value != nil {
		value.Set(desc.Value)
	}
	return Payload{ActionHash: desc.ActionHash, Recipient: desc.Recipient, Value: value}
}

// DecodePayload 解码执行载荷，任何格式错误都视为与承诺不匹配。
func DecodePayload(data []byte) (Payload, error) {
	if len(data) != 3*32 {
		return Payload{}, ErrActionMismatch
	}
	values, err := payloadArgs.Unpack(data)
	if err != nil || len(values) != 3 {
		return Payload{}, ErrActionMismatch
	}
	action, ok1 := values[0].([32]byte)
	recipient, ok2 := values[1].(common.Address)
	value, ok3 := values[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return Payload{}, ErrActionMismatch
	}
	return Payload{ActionHash: common.Hash(action), Recipient: recipient, Value: value}, nil
}

// Matches 判断载荷是否与意图承诺逐字段一致。
func (p Payload) Matches(desc Descriptor) bool {
	want := PayloadFor(desc)
	return p.ActionHash == want.ActionHash && p.Recipient == want.Recipient &&
		p.Value != nil && p.Value.Cmp(want.Value) == 0
}
