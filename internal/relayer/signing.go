package relayer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const createProxyDomainName = "Polymarket Contract Proxy Factory"

// SafeTx is a call executed by a Safe with no gas refund.
type SafeTx struct {
	To    common.Address
	Value *big.Int
	Data  []byte
	Nonce *big.Int
}

// Hash returns the EIP-712 SafeTx hash for the Safe at safe.
func (tx SafeTx) Hash(chainID int64, safe common.Address) (common.Hash, error) {
	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}
	zero := big.NewInt(0)
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"SafeTx": {
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "data", Type: "bytes"},
				{Name: "operation", Type: "uint8"},
				{Name: "safeTxGas", Type: "uint256"},
				{Name: "baseGas", Type: "uint256"},
				{Name: "gasPrice", Type: "uint256"},
				{Name: "gasToken", Type: "address"},
				{Name: "refundReceiver", Type: "address"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "SafeTx",
		Domain: apitypes.TypedDataDomain{
			ChainId:           ethmath.NewHexOrDecimal256(chainID),
			VerifyingContract: safe.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"to":             tx.To.Hex(),
			"value":          value,
			"data":           hexutil.Bytes(tx.Data),
			"operation":      zero,
			"safeTxGas":      zero,
			"baseGas":        zero,
			"gasPrice":       zero,
			"gasToken":       zeroAddress,
			"refundReceiver": zeroAddress,
			"nonce":          tx.Nonce,
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return common.Hash{}, fmt.Errorf("relayer: hash safe tx: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// SignSafeHash signs hash with the EIP-191 personal-message prefix and packs
// r||s||v with v shifted into the 31/32 range the Safe uses for eth_sign.
func SignSafeHash(key *ecdsa.PrivateKey, hash common.Hash) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(hash.Bytes()), key)
	if err != nil {
		return "", fmt.Errorf("relayer: sign safe tx: %w", err)
	}
	v, err := safeV(sig[64])
	if err != nil {
		return "", err
	}
	sig[64] = v
	return hexutil.Encode(sig), nil
}

func safeV(v byte) (byte, error) {
	switch v {
	case 0, 1:
		return v + 31, nil
	case 27, 28:
		return v + 4, nil
	}
	return 0, fmt.Errorf("relayer: invalid signature v %d", v)
}

// signCreateProxy signs the factory's CreateProxy message with zero payment.
func signCreateProxy(key *ecdsa.PrivateKey, chainID int64, factory common.Address) (string, error) {
	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"CreateProxy": {
				{Name: "paymentToken", Type: "address"},
				{Name: "payment", Type: "uint256"},
				{Name: "paymentReceiver", Type: "address"},
			},
		},
		PrimaryType: "CreateProxy",
		Domain: apitypes.TypedDataDomain{
			Name:              createProxyDomainName,
			ChainId:           ethmath.NewHexOrDecimal256(chainID),
			VerifyingContract: factory.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"paymentToken":    zeroAddress,
			"payment":         big.NewInt(0),
			"paymentReceiver": zeroAddress,
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return "", fmt.Errorf("relayer: hash create proxy: %w", err)
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", fmt.Errorf("relayer: sign create proxy: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}
