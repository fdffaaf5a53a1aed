package intent

import (
	"crypto/ecdsa"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "AgentIntent-Chain/internal/errors"
)

// SignatureLength 是 r(32) + s(32) + v(1)。
const SignatureLength = 65

// Domain 是结构化签名的域分隔参数，防止跨部署重放。
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

var intentTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Intent": {
		{Name: "agentId", Type: "bytes32"},
		{Name: "sourceDomain", Type: "uint256"},
		{Name: "destinationDomain", Type: "uint256"},
		{Name: "actionHash", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
		{Name: "expiry", Type: "uint256"},
		{Name: "value", Type: "uint256"},
		{Name: "recipient", Type: "address"},
	},
}

// TypedData 构造意图的 EIP-712 结构。
func (d Domain) TypedData(desc Descriptor) apitypes.TypedData {
	chainID := new(big.Int)
	if d.ChainID != nil {
		chainID.Set(d.ChainID)
	}
	value := new(big.Int)
	if desc.Value != nil {
		value.Set(desc.Value)
	}
	return apitypes.TypedData{
		Types:       intentTypes,
		PrimaryType: "Intent",
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"agentId":           desc.AgentID.Hex(),
			"sourceDomain":      strconv.FormatUint(desc.SourceDomain, 10),
			"destinationDomain": strconv.FormatUint(desc.DestinationDomain, 10),
			"actionHash":        desc.ActionHash.Hex(),
			"nonce":             strconv.FormatUint(desc.Nonce, 10),
			"expiry":            strconv.FormatInt(desc.Expiry, 10),
			"value":             value.String(),
			"recipient":         desc.Recipient.Hex(),
		},
	}
}

// Digest 返回待签名的 32 字节摘要。
func (d Domain) Digest(desc Descriptor) (common.Hash, error) {
	if desc.Expiry < 0 || (desc.Value != nil && desc.Value.Sign() < 0) {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "expiry 与 value 不能为负数")
	}
	hash, _, err := apitypes.TypedDataAndHash(d.TypedData(desc))
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码意图签名数据失败")
	}
	return common.BytesToHash(hash), nil
}

// Sign 使用私钥对意图签名，返回 v 为 27/28 的 65 字节签名。
func (d Domain) Sign(desc Descriptor, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := d.Digest(desc)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名失败")
	}
	sig[64] += 27
	return sig, nil
}

// Recover 从签名恢复签名者地址，v 接受 0/1 与 27/28 两种形式。
func (d Domain) Recover(desc Descriptor, signature []byte) (common.Address, error) {
	if len(signature) != SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	digest, err := d.Digest(desc)
	if err != nil {
		return common.Address{}, err
	}
	sig := append([]byte(nil), signature...)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	signer := crypto.PubkeyToAddress(*pub)
	if signer == (common.Address{}) {
		return common.Address{}, ErrInvalidSignature
	}
	return signer, nil
}
