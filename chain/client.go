package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"ledgerflow/money"
)

var (
	ErrUnknownTransport  = errors.New("chain: unknown rpc transport")
	ErrInsufficientFunds = errors.New("chain: insufficient funds")
	ErrSubmission        = errors.New("chain: submission failed")
	// ErrUnresolved marks a send that timed out. The signed transaction may
	// still be mined; its hash is returned alongside the error.
	ErrUnresolved     = errors.New("chain: submission outcome unknown")
	ErrReceiptPending = errors.New("chain: receipt pending")
	ErrInvalidAddress = errors.New("chain: invalid address")
	ErrSenderMismatch = errors.New("chain: key does not control sender")
)

const (
	// DefaultGasLimit covers a plain value transfer.
	DefaultGasLimit uint64 = 21000
	// DefaultContractGasLimit is used for deploys and method calls without an explicit limit.
	DefaultContractGasLimit uint64 = 3_000_000
	DefaultCallTimeout             = 10 * time.Second
)

// Transport names accepted by Dial.
const (
	TransportIPC  = "ipc"
	TransportWS   = "ws"
	TransportHTTP = "http"
)

// Config selects and bounds the RPC connection.
type Config struct {
	Transport   string
	Address     string
	CallTimeout time.Duration
}

// Backend is the subset of ethclient.Client the orchestrator uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// BatchCaller sends several JSON-RPC calls in one round trip.
type BatchCaller interface {
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

// Client submits transactions to and reads receipts from the public chain.
type Client struct {
	backend     Backend
	batch       BatchCaller
	callTimeout time.Duration
	logger      *slog.Logger
	closer      func()
}

// New wraps an existing backend. A nil logger falls back to slog.Default().
func New(backend Backend, batch BatchCaller, callTimeout time.Duration, logger *slog.Logger) *Client {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{backend: backend, batch: batch, callTimeout: callTimeout, logger: logger}
}

// Dial connects to the node over the configured transport.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	var (
		rc  *rpc.Client
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case TransportIPC:
		rc, err = rpc.DialIPC(ctx, cfg.Address)
	case TransportWS:
		rc, err = rpc.DialWebsocket(ctx, cfg.Address, "")
	case TransportHTTP:
		rc, err = rpc.DialContext(ctx, cfg.Address)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.Transport, err)
	}

	c := New(ethclient.NewClient(rc), rc, cfg.CallTimeout, logger)
	c.closer = rc.Close
	return c, nil
}

// Close releases the underlying connection when the client owns one.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// TransferInput describes a plain value transfer.
type TransferInput struct {
	From         string
	To           string
	Amount       string
	GasLimit     uint64
	GasPriceGwei string
}

// Submit sends a value transfer after checking that the sender can cover
// amount plus gasLimit*gasPrice. It returns the transaction hash.
func (c *Client) Submit(ctx context.Context, in TransferInput, key *ecdsa.PrivateKey) (string, error) {
	to, err := parseAddress(in.To)
	if err != nil {
		return "", err
	}
	value, err := money.ToWei(in.Amount)
	if err != nil {
		return "", fmt.Errorf("chain: submit: %w", err)
	}
	gasLimit := in.GasLimit
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	return c.send(ctx, txRequest{from: in.From, to: &to, value: value, gasLimit: gasLimit, gasPriceGwei: in.GasPriceGwei}, key)
}

type txRequest struct {
	from         string
	to           *common.Address
	value        *big.Int
	data         []byte
	gasLimit     uint64
	gasPriceGwei string
}

func (c *Client) send(ctx context.Context, req txRequest, key *ecdsa.PrivateKey) (string, error) {
	from, err := parseAddress(req.from)
	if err != nil {
		return "", err
	}
	if crypto.PubkeyToAddress(key.PublicKey) != from {
		return "", ErrSenderMismatch
	}
	gasPrice, err := money.GweiToWei(req.gasPriceGwei)
	if err != nil {
		return "", fmt.Errorf("chain: gas price: %w", err)
	}
	value := req.value
	if value == nil {
		value = new(big.Int)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	balance, err := c.backend.BalanceAt(callCtx, from, nil)
	if err != nil {
		return "", fmt.Errorf("chain: balance of %s: %w", from.Hex(), err)
	}
	fee := new(big.Int).Mul(new(big.Int).SetUint64(req.gasLimit), gasPrice)
	total := new(big.Int).Add(fee, value)
	if total.Cmp(balance) > 0 {
		return "", fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, money.FromWei(total), money.FromWei(balance))
	}

	chainID, err := c.backend.ChainID(callCtx)
	if err != nil {
		return "", fmt.Errorf("chain: chain id: %w", err)
	}
	nonce, err := c.backend.PendingNonceAt(callCtx, from)
	if err != nil {
		return "", fmt.Errorf("chain: nonce of %s: %w", from.Hex(), err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       req.to,
		Value:    value,
		Gas:      req.gasLimit,
		GasPrice: gasPrice,
		Data:     req.data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return "", fmt.Errorf("chain: sign: %w", err)
	}
	if err := c.backend.SendTransaction(callCtx, signed); err != nil {
		if isTimeout(err) {
			return signed.Hash().Hex(), fmt.Errorf("%w: %w", ErrUnresolved, err)
		}
		return "", fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	return signed.Hash().Hex(), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}
