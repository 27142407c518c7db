// Package create2 computes deposit addresses exactly the way the on-chain
// DeterministicProxyDeployer does.
//
//	userSalt    = keccak256(user || nonceBE64)
//	derivedSalt = keccak256(userSalt || caller)
//	address     = keccak256(0xff || deployer || derivedSalt || initCodeHash)[12:]
//
// All inputs are tightly packed (abi.encodePacked), no padding.
package create2

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

const create2Prefix = 0xff

// DeriveSalt mirrors the contract's _deriveSalt(userSalt, caller).
func DeriveSalt(userSalt [32]byte, caller [20]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(userSalt[:])
	_, _ = h.Write(caller[:])
	return sum32(h.Sum(nil))
}

// ComputeCreate2Address returns the low 20 bytes of
// keccak256(0xff || deployer || salt || initCodeHash).
func ComputeCreate2Address(deployer [20]byte, salt [32]byte, initCodeHash [32]byte) [20]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte{create2Prefix})
	_, _ = h.Write(deployer[:])
	_, _ = h.Write(salt[:])
	_, _ = h.Write(initCodeHash[:])
	sum := h.Sum(nil)

	var out [20]byte
	copy(out[:], sum[12:])
	return out
}

// GenerateUserSalt hashes the user address with the 8-byte big-endian nonce.
func GenerateUserSalt(user [20]byte, nonce uint64) [32]byte {
	var nonceBE [8]byte
	binary.BigEndian.PutUint64(nonceBE[:], nonce)

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(user[:])
	_, _ = h.Write(nonceBE[:])
	return sum32(h.Sum(nil))
}

// ComputeDepositAddress derives the deposit address for (user, nonce).
//
// The user address doubles as the caller component of the derived salt so the
// result depends only on the user, not on which backend key submits the
// deployment. The returned salt is the user salt, which is what the deployer
// contract expects in deployMultiple.
func ComputeDepositAddress(deployer [20]byte, initCodeHash [32]byte, user [20]byte, nonce uint64) (address [20]byte, userSalt [32]byte) {
	userSalt = GenerateUserSalt(user, nonce)
	derived := DeriveSalt(userSalt, user)
	return ComputeCreate2Address(deployer, derived, initCodeHash), userSalt
}

// Deriver binds the deployer and init-code hash so callers only supply (user, nonce).
type Deriver struct {
	Deployer     [20]byte
	InitCodeHash [32]byte
}

func (d Deriver) DepositAddress(user [20]byte, nonce uint64) ([20]byte, [32]byte) {
	return ComputeDepositAddress(d.Deployer, d.InitCodeHash, user, nonce)
}

// ProxyAddress returns the address a proxy deployed with userSalt lands on when
// the salt is derived against the given caller.
func (d Deriver) ProxyAddress(userSalt [32]byte, caller [20]byte) [20]byte {
	return ComputeCreate2Address(d.Deployer, DeriveSalt(userSalt, caller), d.InitCodeHash)
}

func sum32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}
