package proxyabi

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func mustType(t *testing.T, typ string) abi.Type {
	t.Helper()

	ty, err := abi.NewType(typ, "", nil)
	if err != nil {
		t.Fatalf("abi.NewType(%q): %v", typ, err)
	}
	return ty
}

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func TestPackDeployMultipleCalldata_RoundTrip(t *testing.T) {
	t.Parallel()

	var s1, s2 [32]byte
	s1[0] = 0x11
	s2[31] = 0x22

	b, err := PackDeployMultipleCalldata([][32]byte{s1, s2})
	if err != nil {
		t.Fatalf("PackDeployMultipleCalldata: %v", err)
	}
	if !bytes.Equal(b[:4], selector("deployMultiple(bytes32[])")) {
		t.Fatalf("selector: got %x", b[:4])
	}

	args := abi.Arguments{{Type: mustType(t, "bytes32[]")}}
	vals, err := args.Unpack(b[4:])
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	got, ok := vals[0].([][32]byte)
	if !ok {
		t.Fatalf("unexpected type %T", vals[0])
	}
	if !reflect.DeepEqual(got, [][32]byte{s1, s2}) {
		t.Fatalf("salts mismatch: %x", got)
	}
}

func TestPackDeployMultipleCalldata_RejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := PackDeployMultipleCalldata(nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v want %v", err, ErrInvalidInput)
	}
}

func TestPackTransferFundsCalldata(t *testing.T) {
	t.Parallel()

	treasury := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	b, err := PackTransferFundsCalldata(treasury)
	if err != nil {
		t.Fatalf("PackTransferFundsCalldata: %v", err)
	}
	if !bytes.Equal(b[:4], selector("transferFunds(address)")) {
		t.Fatalf("selector: got %x", b[:4])
	}
	if got := common.BytesToAddress(b[4:]); got != treasury {
		t.Fatalf("recipient: got %s want %s", got, treasury)
	}

	if _, err := PackTransferFundsCalldata(common.Address{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero recipient: got %v want %v", err, ErrInvalidInput)
	}
}

func TestComputeProxyAddress_PackAndUnpack(t *testing.T) {
	t.Parallel()

	var salt [32]byte
	salt[0] = 0x01

	b, err := PackComputeProxyAddressCalldata(salt)
	if err != nil {
		t.Fatalf("PackComputeProxyAddressCalldata: %v", err)
	}
	if !bytes.Equal(b[:4], selector("computeProxyAddress(bytes32)")) {
		t.Fatalf("selector: got %x", b[:4])
	}

	want := common.HexToAddress("0x2b05daf67cc41957f60f74ff7d3c4ab54840fc8d")
	ret := common.LeftPadBytes(want.Bytes(), 32)
	got, err := UnpackComputeProxyAddress(ret)
	if err != nil {
		t.Fatalf("UnpackComputeProxyAddress: %v", err)
	}
	if got != want {
		t.Fatalf("address: got %s want %s", got, want)
	}

	if _, err := UnpackComputeProxyAddress([]byte{0x01}); err == nil {
		t.Fatalf("expected error for short return data")
	}
}
