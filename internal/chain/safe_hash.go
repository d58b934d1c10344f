package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// SafeTransactionHash computes the contract-internal hash of a multisig transaction:
// keccak256(0x19 ‖ 0x00 ‖ safe ‖ to ‖ uint256(value) ‖ data ‖ uint8(operation) ‖ uint256(nonce)).
func SafeTransactionHash(safe, to common.Address, value *big.Int, data []byte, operation uint8, nonce uint64) common.Hash {
	if value == nil {
		value = new(big.Int)
	}

	packed := make([]byte, 0, 2+2*common.AddressLength+32+len(data)+1+32)
	packed = append(packed, 0x19, 0x00)
	packed = append(packed, safe.Bytes()...)
	packed = append(packed, to.Bytes()...)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(value))...)
	packed = append(packed, data...)
	packed = append(packed, operation)
	packed = append(packed, math.U256Bytes(new(big.Int).SetUint64(nonce))...)

	return crypto.Keccak256Hash(packed)
}
