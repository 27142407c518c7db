// Package proxyabi packs calldata for the DeterministicProxyDeployer and the
// FundRouter proxies it deploys.
package proxyabi

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidInput = errors.New("proxyabi: invalid input")

var (
	initOnce sync.Once
	initErr  error

	deployerABI abi.ABI
	routerABI   abi.ABI
)

func initABI() error {
	initOnce.Do(func() {
		var err error

		deployerABI, err = abi.JSON(strings.NewReader(deployerABIJSON))
		if err != nil {
			initErr = fmt.Errorf("proxyabi: parse deployer ABI: %w", err)
			return
		}
		routerABI, err = abi.JSON(strings.NewReader(fundRouterABIJSON))
		if err != nil {
			initErr = fmt.Errorf("proxyabi: parse fund router ABI: %w", err)
			return
		}
	})
	return initErr
}

// PackDeployMultipleCalldata encodes deployMultiple(bytes32[] salts). The
// salts are user salts; the contract derives the CREATE2 salt itself.
func PackDeployMultipleCalldata(salts [][32]byte) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if len(salts) == 0 {
		return nil, fmt.Errorf("%w: salts must be non-empty", ErrInvalidInput)
	}
	b, err := deployerABI.Pack("deployMultiple", salts)
	if err != nil {
		return nil, fmt.Errorf("proxyabi: pack deployMultiple calldata: %w", err)
	}
	return b, nil
}

func PackComputeProxyAddressCalldata(salt [32]byte) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := deployerABI.Pack("computeProxyAddress", salt)
	if err != nil {
		return nil, fmt.Errorf("proxyabi: pack computeProxyAddress calldata: %w", err)
	}
	return b, nil
}

// UnpackComputeProxyAddress decodes the eth_call return data of
// computeProxyAddress.
func UnpackComputeProxyAddress(out []byte) (common.Address, error) {
	if err := initABI(); err != nil {
		return common.Address{}, err
	}
	vals, err := deployerABI.Unpack("computeProxyAddress", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("proxyabi: unpack computeProxyAddress: %w", err)
	}
	if len(vals) != 1 {
		return common.Address{}, fmt.Errorf("proxyabi: unpack computeProxyAddress: got %d values", len(vals))
	}
	a, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("proxyabi: unpack computeProxyAddress: unexpected type %T", vals[0])
	}
	return a, nil
}

// PackTransferFundsCalldata encodes transferFunds(address recipient), sent to
// a deployed proxy.
func PackTransferFundsCalldata(recipient common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (recipient == common.Address{}) {
		return nil, fmt.Errorf("%w: recipient must be non-zero", ErrInvalidInput)
	}
	b, err := routerABI.Pack("transferFunds", recipient)
	if err != nil {
		return nil, fmt.Errorf("proxyabi: pack transferFunds calldata: %w", err)
	}
	return b, nil
}

const deployerABIJSON = `[
  {
    "inputs":[{"internalType":"bytes32[]","name":"salts","type":"bytes32[]"}],
    "name":"deployMultiple",
    "outputs":[{"internalType":"address[]","name":"proxies","type":"address[]"}],
    "stateMutability":"nonpayable",
    "type":"function"
  },
  {
    "inputs":[{"internalType":"bytes32","name":"salt","type":"bytes32"}],
    "name":"computeProxyAddress",
    "outputs":[{"internalType":"address","name":"","type":"address"}],
    "stateMutability":"view",
    "type":"function"
  }
]`

const fundRouterABIJSON = `[
  {
    "inputs":[{"internalType":"address payable","name":"recipient","type":"address"}],
    "name":"transferFunds",
    "outputs":[],
    "stateMutability":"nonpayable",
    "type":"function"
  }
]`
