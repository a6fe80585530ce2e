package token

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/voltgrid/voltgrid/internal/logging"
	"github.com/voltgrid/voltgrid/internal/retry"
)

var (
	ErrInvalidPrivateKey = errors.New("token: invalid custody key")
	ErrRPCConnection     = errors.New("token: RPC connection failed")
	ErrTransactionFailed = errors.New("token: transaction reverted")
	ErrTimeout           = errors.New("token: confirmation timed out")
)

// TxError wraps a failed token transaction with the step and hash.
// Submitted is set once the transaction was accepted by the node, after
// which it may still be mined.
type TxError struct {
	Op        string
	TxHash    string
	Submitted bool
	Err       error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("token: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("token: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// EthClient is the subset of ethclient.Client the ERC-20 client needs.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

const (
	DefaultGasLimit            = uint64(120000)
	DefaultConfirmationTimeout = 60 * time.Second
	ConfirmationPollInterval   = 2 * time.Second
	DefaultAwaitTimeout        = 30 * time.Minute

	readAttempts  = 3
	readBaseDelay = 200 * time.Millisecond
	readMaxDelay  = 2 * time.Second
)

// rpcPolicy retries token reads and transaction preparation.
func rpcPolicy(name string) retry.Policy {
	return retry.Policy{
		Name:      "token." + name,
		Attempts:  readAttempts,
		BaseDelay: readBaseDelay,
		MaxDelay:  readMaxDelay,
		Retryable: rpcRetryable,
	}
}

// JSON-RPC error codes that no retry can fix.
const (
	rpcCodeReverted       = 3
	rpcCodeParse          = -32700
	rpcCodeInvalidRequest = -32600
	rpcCodeMethodNotFound = -32601
	rpcCodeInvalidParams  = -32602
)

// rpcRetryable classifies RPC failures. Transport errors, rate limits and
// node-side errors are transient; reverts, malformed calls and our own
// rejections are not.
func rpcRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrTransactionFailed),
		errors.Is(err, ErrNotCustody),
		errors.Is(err, ErrInvalidAmount):
		return false
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case rpcCodeReverted, rpcCodeParse, rpcCodeInvalidRequest,
			rpcCodeMethodNotFound, rpcCodeInvalidParams:
			return false
		}
		return true
	}
	return !strings.Contains(err.Error(), "execution reverted")
}

// ERC20Config configures the on-chain token client.
type ERC20Config struct {
	RPCURL     string
	PrivateKey string // custody key, hex, optional 0x prefix
	ChainID    int64
	Contract   string
}

// ERC20Option configures an ERC20 client.
type ERC20Option func(*ERC20)

// WithEthClient injects a client, for tests.
func WithEthClient(c EthClient) ERC20Option {
	return func(e *ERC20) { e.client = c }
}

// WithPollInterval overrides the receipt polling interval.
func WithPollInterval(d time.Duration) ERC20Option {
	return func(e *ERC20) { e.poll = d }
}

// ERC20 moves an ERC-20 settlement token on chain. Transfers are sent from
// the custody account, so the spender of TransferFrom and the sender of
// Transfer must be the custody address.
type ERC20 struct {
	client   EthClient
	key      *ecdsa.PrivateKey
	custody  common.Address
	chainID  *big.Int
	contract common.Address
	abi      abi.ABI
	poll     time.Duration
	timeout  time.Duration
	await    time.Duration
}

// NewERC20 parses the custody key and dials the RPC endpoint unless a
// client was injected.
func NewERC20(cfg ERC20Config, opts ...ERC20Option) (*ERC20, error) {
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("%w: key required", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("token: chain ID required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, errors.New("token: contract address required")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	e := &ERC20{
		key:      key,
		custody:  crypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(cfg.ChainID),
		contract: common.HexToAddress(cfg.Contract),
		abi:      parsed,
		poll:     ConfirmationPollInterval,
		timeout:  DefaultConfirmationTimeout,
		await:    DefaultAwaitTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		e.client = client
	}
	return e, nil
}

// Custody returns the address derived from the custody key.
func (e *ERC20) Custody() common.Address { return e.custody }

// Close closes the RPC connection.
func (e *ERC20) Close() error {
	e.client.Close()
	return nil
}

// call runs a constant method with retries and returns its uint256 result.
func (e *ERC20) call(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := e.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	var out []byte
	err = rpcPolicy(method).Do(ctx, func(ctx context.Context) error {
		res, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.contract, Data: data}, nil)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	return new(big.Int).SetBytes(out), nil
}

func (e *ERC20) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return e.call(ctx, "allowance", owner, spender)
}

func (e *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return e.call(ctx, "balanceOf", owner)
}

// TransferFrom sends transferFrom(from, to, amount) signed by the custody
// key and waits for the receipt.
func (e *ERC20) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error {
	if spender != e.custody {
		return fmt.Errorf("%w: spender %s", ErrNotCustody, spender.Hex())
	}
	data, err := e.abi.Pack("transferFrom", from, to, amount)
	if err != nil {
		return &TxError{Op: "pack", Err: err}
	}
	return e.send(ctx, "transferFrom", data)
}

// Transfer sends transfer(to, amount) from custody and waits for the receipt.
func (e *ERC20) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	if from != e.custody {
		return fmt.Errorf("%w: sender %s", ErrNotCustody, from.Hex())
	}
	data, err := e.abi.Pack("transfer", to, amount)
	if err != nil {
		return &TxError{Op: "pack", Err: err}
	}
	return e.send(ctx, "transfer", data)
}

// send signs and submits a contract call. Only the lookups before
// submission are retried; a submitted transaction is never resent.
func (e *ERC20) send(ctx context.Context, op string, data []byte) error {
	var nonce uint64
	var gasPrice *big.Int
	err := rpcPolicy(op+".prepare").Do(ctx, func(ctx context.Context) error {
		n, err := e.client.PendingNonceAt(ctx, e.custody)
		if err != nil {
			return err
		}
		p, err := e.client.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		nonce, gasPrice = n, p
		return nil
	})
	if err != nil {
		return &TxError{Op: op + ": prepare", Err: err}
	}

	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From: e.custody,
		To:   &e.contract,
		Data: data,
	})
	if err != nil {
		// Estimation reverts when the call itself would fail.
		return &TxError{Op: op + ": estimate", Err: err}
	}
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, e.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.key)
	if err != nil {
		return &TxError{Op: op + ": sign", Err: err}
	}
	hash := signed.Hash()

	// Once broadcast, only the confirmation timeout ends the wait.
	ctx = context.WithoutCancel(ctx)
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return &TxError{Op: op + ": send", TxHash: hash.Hex(), Err: err}
	}
	logging.L(ctx).Info("token transaction sent", "op", op, "tx", hash.Hex(), "nonce", nonce)

	receipt, err := e.waitForReceipt(ctx, hash, e.timeout)
	if err != nil {
		return &TxError{Op: op, TxHash: hash.Hex(), Submitted: true, Err: err}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return &TxError{Op: op, TxHash: hash.Hex(), Submitted: true, Err: ErrTransactionFailed}
	}
	return nil
}

// waitForReceipt polls until hash is mined or timeout passes.
func (e *ERC20) waitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := e.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// not mined yet
				continue
			}
			return receipt, nil
		}
	}
}

// PendingTransfer reports the hash of a transaction that was submitted but
// whose receipt was not seen, so it may still be mined.
func (e *ERC20) PendingTransfer(err error) (common.Hash, bool) {
	return pendingHash(err)
}

func pendingHash(err error) (common.Hash, bool) {
	var txErr *TxError
	if !errors.As(err, &txErr) || !txErr.Submitted || txErr.TxHash == "" {
		return common.Hash{}, false
	}
	if errors.Is(txErr.Err, ErrTransactionFailed) {
		return common.Hash{}, false
	}
	return common.HexToHash(txErr.TxHash), true
}

// AwaitTransfer waits up to the await timeout for a submitted transaction.
// landed is false when it reverted.
func (e *ERC20) AwaitTransfer(ctx context.Context, hash common.Hash) (bool, error) {
	receipt, err := e.waitForReceipt(ctx, hash, e.await)
	if err != nil {
		return false, &TxError{Op: "await", TxHash: hash.Hex(), Submitted: true, Err: err}
	}
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}
