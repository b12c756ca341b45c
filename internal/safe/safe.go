// Package safe derives Safe proxy wallet addresses with CREATE2.
//
// The proxy factory deploys each user's Safe at a salt derived from the
// signer, so the address is known before any transaction is sent and never
// changes for the same signer, factory and init code.
package safe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidAddress = errors.New("safe: invalid signer address")

// Deriver computes proxy addresses for a fixed factory and init code hash.
type Deriver struct {
	factory      common.Address
	initCodeHash common.Hash
}

// NewDeriver returns a Deriver bound to one factory deployment.
func NewDeriver(factory common.Address, initCodeHash common.Hash) *Deriver {
	return &Deriver{factory: factory, initCodeHash: initCodeHash}
}

// Salt is keccak256 of the signer left-padded to 32 bytes.
func Salt(signer common.Address) [32]byte {
	return crypto.Keccak256Hash(common.LeftPadBytes(signer.Bytes(), 32))
}

// Derive returns the checksummed proxy address for signer. Input case is
// ignored; any 20-byte hex address with or without 0x is accepted.
func (d *Deriver) Derive(signer string) (string, error) {
	addr, err := ParseAddress(signer)
	if err != nil {
		return "", err
	}
	return d.DeriveAddress(addr).Hex(), nil
}

// DeriveAddress is Derive for an already-parsed address.
func (d *Deriver) DeriveAddress(signer common.Address) common.Address {
	return crypto.CreateAddress2(d.factory, Salt(signer), d.initCodeHash.Bytes())
}

// Matches reports whether proxy is the derivation of signer.
func (d *Deriver) Matches(signer, proxy string) bool {
	derived, err := d.Derive(signer)
	if err != nil {
		return false
	}
	return strings.EqualFold(derived, proxy)
}

// ParseAddress validates a 20-byte hex address.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}
