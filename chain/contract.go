package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// DeployInput describes a contract creation.
type DeployInput struct {
	From         string
	ABI          string
	Bytecode     string
	Args         []any
	GasLimit     uint64
	GasPriceGwei string
}

// CallInput describes a state-changing contract method call.
type CallInput struct {
	From         string
	To           string
	ABI          string
	Method       string
	Args         []any
	GasLimit     uint64
	GasPriceGwei string
}

// Deploy sends a contract-creation transaction and returns its hash. The
// contract address becomes known once the receipt lands.
func (c *Client) Deploy(ctx context.Context, in DeployInput, key *ecdsa.PrivateKey) (string, error) {
	parsed, err := parseABI(in.ABI)
	if err != nil {
		return "", err
	}
	ctorArgs, err := parsed.Pack("", in.Args...)
	if err != nil {
		return "", fmt.Errorf("chain: pack constructor: %w", err)
	}
	code := common.FromHex(strings.TrimSpace(in.Bytecode))
	if len(code) == 0 {
		return "", fmt.Errorf("chain: deploy: empty bytecode")
	}
	data := append(append([]byte{}, code...), ctorArgs...)

	return c.send(ctx, txRequest{
		from:         in.From,
		data:         data,
		gasLimit:     orDefault(in.GasLimit, DefaultContractGasLimit),
		gasPriceGwei: in.GasPriceGwei,
	}, key)
}

// Transact sends a contract method call and returns its hash.
func (c *Client) Transact(ctx context.Context, in CallInput, key *ecdsa.PrivateKey) (string, error) {
	to, err := parseAddress(in.To)
	if err != nil {
		return "", err
	}
	parsed, err := parseABI(in.ABI)
	if err != nil {
		return "", err
	}
	data, err := parsed.Pack(in.Method, in.Args...)
	if err != nil {
		return "", fmt.Errorf("chain: pack %s: %w", in.Method, err)
	}
	return c.send(ctx, txRequest{
		from:         in.From,
		to:           &to,
		data:         data,
		gasLimit:     orDefault(in.GasLimit, DefaultContractGasLimit),
		gasPriceGwei: in.GasPriceGwei,
	}, key)
}

// CallBool performs a read-only call of a method returning a single bool.
func (c *Client) CallBool(ctx context.Context, to, abiJSON, method string, args ...any) (bool, error) {
	addr, err := parseAddress(to)
	if err != nil {
		return false, err
	}
	parsed, err := parseABI(abiJSON)
	if err != nil {
		return false, err
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return false, fmt.Errorf("chain: pack %s: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	out, err := c.backend.CallContract(callCtx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("chain: call %s: %w", method, err)
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return false, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return false, fmt.Errorf("chain: %s returned %d values", method, len(values))
	}
	v, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("chain: %s did not return bool", method)
	}
	return v, nil
}

func parseABI(abiJSON string) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("chain: parse abi: %w", err)
	}
	return parsed, nil
}

func orDefault(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}
