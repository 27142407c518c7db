package create2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func fill20(b byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func fill32(b byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = b
	}
	return out
}

// EIP-1014 reference vectors.
func TestComputeCreate2Address_EIP1014Vectors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		deployer string
		salt     string
		initCode []byte
		want     string
	}{
		{
			name:     "example0",
			deployer: "0x0000000000000000000000000000000000000000",
			salt:     "0x0000000000000000000000000000000000000000000000000000000000000000",
			initCode: []byte{0x00},
			want:     "0x4d1a2e2bb4f88f0250f26ffff098b0b30b26bf38",
		},
		{
			name:     "example1",
			deployer: "0xdeadbeef00000000000000000000000000000000",
			salt:     "0x0000000000000000000000000000000000000000000000000000000000000000",
			initCode: []byte{0x00},
			want:     "0xb928f69bb1d91cd65274e3c79d8986362984fda3",
		},
		{
			name:     "example5",
			deployer: "0x00000000000000000000000000000000deadbeef",
			salt:     "0x00000000000000000000000000000000000000000000000000000000cafebabe",
			initCode: []byte{0xde, 0xad, 0xbe, 0xef},
			want:     "0x60f3f640a8508fc6a86d45df051962668e1e8ac7",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			deployer, err := ParseAddress(tt.deployer)
			if err != nil {
				t.Fatalf("ParseAddress: %v", err)
			}
			salt, err := ParseBytes32(tt.salt)
			if err != nil {
				t.Fatalf("ParseBytes32: %v", err)
			}
			var codeHash [32]byte
			copy(codeHash[:], crypto.Keccak256(tt.initCode))

			got := FormatAddress(ComputeCreate2Address(deployer, salt, codeHash))
			if got != tt.want {
				t.Fatalf("address: got %s want %s", got, tt.want)
			}
		})
	}
}

func TestComputeCreate2Address_MatchesGoEthereum(t *testing.T) {
	t.Parallel()

	deployer := fill20(0xab)
	initCodeHash := fill32(0xef)

	for i := 0; i < 32; i++ {
		salt := fill32(byte(i))
		got := ComputeCreate2Address(deployer, salt, initCodeHash)
		want := crypto.CreateAddress2(common.Address(deployer), salt, initCodeHash[:])
		if got != [20]byte(want) {
			t.Fatalf("salt %d: got %x want %x", i, got, want)
		}
	}
}

func TestComputeCreate2Address_DifferentSaltsDiffer(t *testing.T) {
	t.Parallel()

	deployer := fill20(0xab)
	initCodeHash := fill32(0xef)

	a := ComputeCreate2Address(deployer, fill32(0x01), initCodeHash)
	b := ComputeCreate2Address(deployer, fill32(0x02), initCodeHash)
	if a == b {
		t.Fatalf("expected distinct addresses for distinct salts")
	}
}

func TestDeriveSalt_MatchesPackedKeccak(t *testing.T) {
	t.Parallel()

	userSalt := fill32(0x00)
	caller := fill20(0x01)

	got := DeriveSalt(userSalt, caller)
	want := crypto.Keccak256(userSalt[:], caller[:])
	if !bytes.Equal(got[:], want) {
		t.Fatalf("derived salt: got %x want %x", got, want)
	}
	if again := DeriveSalt(userSalt, caller); again != got {
		t.Fatalf("DeriveSalt not deterministic")
	}
}

func TestGenerateUserSalt_BigEndianNonce(t *testing.T) {
	t.Parallel()

	user := fill20(0x42)
	nonce := uint64(0x0102030405060708)

	var be [8]byte
	binary.BigEndian.PutUint64(be[:], nonce)
	want := crypto.Keccak256(user[:], be[:])

	got := GenerateUserSalt(user, nonce)
	if !bytes.Equal(got[:], want) {
		t.Fatalf("user salt: got %x want %x", got, want)
	}
}

func TestGenerateUserSalt_SequentialNoncesDoNotCollide(t *testing.T) {
	t.Parallel()

	user := fill20(0x42)
	seen := make(map[[32]byte]uint64, 1024)
	for n := uint64(0); n < 1024; n++ {
		s := GenerateUserSalt(user, n)
		if prev, ok := seen[s]; ok {
			t.Fatalf("salt collision between nonce %d and %d", prev, n)
		}
		seen[s] = n
	}
	if GenerateUserSalt(user, 0) != GenerateUserSalt(user, 0) {
		t.Fatalf("GenerateUserSalt not deterministic")
	}
}

func TestComputeDepositAddress_Scenario(t *testing.T) {
	t.Parallel()

	deployer := fill20(0xab)
	initCodeHash := fill32(0xef)
	user := fill20(0x42)

	addr0, salt0 := ComputeDepositAddress(deployer, initCodeHash, user, 0)
	addr1, salt1 := ComputeDepositAddress(deployer, initCodeHash, user, 1)

	if addr0 == addr1 {
		t.Fatalf("nonce 0 and 1 produced the same address %x", addr0)
	}
	if salt0 == salt1 {
		t.Fatalf("nonce 0 and 1 produced the same salt %x", salt0)
	}

	again0, againSalt0 := ComputeDepositAddress(deployer, initCodeHash, user, 0)
	if again0 != addr0 || againSalt0 != salt0 {
		t.Fatalf("ComputeDepositAddress not reproducible")
	}

	// The returned salt is the user salt, not the derived salt.
	if salt0 != GenerateUserSalt(user, 0) {
		t.Fatalf("returned salt is not the user salt")
	}
	want := crypto.CreateAddress2(common.Address(deployer), DeriveSalt(salt0, user), initCodeHash[:])
	if addr0 != [20]byte(want) {
		t.Fatalf("address: got %x want %x", addr0, want)
	}
}

func TestDeriver_ProxyAddressMatchesDepositAddress(t *testing.T) {
	t.Parallel()

	d := Deriver{Deployer: fill20(0xab), InitCodeHash: fill32(0xef)}
	user := fill20(0x42)

	addr, salt := d.DepositAddress(user, 7)
	if got := d.ProxyAddress(salt, user); got != addr {
		t.Fatalf("proxy address: got %x want %x", got, addr)
	}
}

func TestParseAddress_RoundTripsToLowercase(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"0x2b05DAf67cc41957f60F74Ff7D3c4aB54840Fc8D",
		"2b05daf67cc41957f60f74ff7d3c4ab54840fc8d",
		"0X2B05DAF67CC41957F60F74FF7D3C4AB54840FC8D",
	}
	for _, in := range inputs {
		a, err := ParseAddress(in)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", in, err)
		}
		got := FormatAddress(a)
		if got != "0x2b05daf67cc41957f60f74ff7d3c4ab54840fc8d" {
			t.Fatalf("FormatAddress(%q): got %s", in, got)
		}
	}
}

func TestParseAddress_RejectsWrongLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want error
	}{
		{in: "0x1234", want: ErrInvalidLength},
		{in: "0x" + strings.Repeat("ab", 21), want: ErrInvalidLength},
		{in: "", want: ErrInvalidLength},
		{in: "0x" + strings.Repeat("zz", 20), want: ErrInvalidHex},
		{in: "0x" + strings.Repeat("a", 39), want: ErrInvalidHex},
	}
	for _, tt := range tests {
		if _, err := ParseAddress(tt.in); !errors.Is(err, tt.want) {
			t.Fatalf("ParseAddress(%q): got %v want %v", tt.in, err, tt.want)
		}
	}
}

func TestParseBytes32(t *testing.T) {
	t.Parallel()

	salt := "0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef"
	b, err := ParseBytes32(salt)
	if err != nil {
		t.Fatalf("ParseBytes32: %v", err)
	}
	if FormatBytes32(b) != salt {
		t.Fatalf("round trip: got %s want %s", FormatBytes32(b), salt)
	}
	if _, err := ParseBytes32(strings.TrimPrefix(salt, "0x")); err != nil {
		t.Fatalf("ParseBytes32 without prefix: %v", err)
	}
	if _, err := ParseBytes32("0x1234"); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength, got %v", err)
	}
	if _, err := ParseBytes32("0x" + strings.Repeat("ab", 20)); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength for 20-byte input, got %v", err)
	}
}
