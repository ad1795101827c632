package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var ErrChainIDMismatch = errors.New("rpc chain id does not match configuration")

// Call is one contract write made with the operator key.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	// Label names the call in logs.
	Label string
}

// Backend is the part of ethclient.Client the operator client uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client signs and sends transactions for the single operator key.
type Client struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  *big.Int
	gasLimit uint64
}

// ParseKey accepts a hex private key with or without 0x.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// Dial connects to rpcURL and checks that it serves chainID.
func Dial(ctx context.Context, rpcURL, hexKey string, chainID int64, gasLimit uint64) (*Client, *ethclient.Client, error) {
	key, err := ParseKey(hexKey)
	if err != nil {
		return nil, nil, err
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	remote, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chainID != 0 && remote.Int64() != chainID {
		eth.Close()
		return nil, nil, fmt.Errorf("%w: rpc %s, configured %d", ErrChainIDMismatch, remote, chainID)
	}
	return NewClient(eth, key, remote, gasLimit), eth, nil
}

func NewClient(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, gasLimit uint64) *Client {
	return &Client{
		backend:  backend,
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		gasLimit: gasLimit,
	}
}

func (c *Client) Address() common.Address {
	return c.address
}

// PendingNonce returns the next nonce the node expects from the operator,
// counting transactions still in its pool.
func (c *Client) PendingNonce(ctx context.Context) (uint64, error) {
	return c.backend.PendingNonceAt(ctx, c.address)
}

// Send signs call with the given nonce and broadcasts it. Errors from gas
// estimation and from the node are returned unwrapped in their text so the
// caller can classify them. A non-zero hash with an error means the signed
// transaction was handed to the node.
func (c *Client) Send(ctx context.Context, nonce uint64, call Call) (common.Hash, error) {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := call.To

	gas := c.gasLimit
	if gas == 0 {
		estimated, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  c.address,
			To:    &to,
			Value: value,
			Data:  call.Data,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
		// 20% headroom over the estimate
		gas = estimated + estimated/5
	}

	tx, err := c.buildTx(ctx, nonce, gas, to, value, call.Data)
	if err != nil {
		return common.Hash{}, err
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	// Once signed the hash is known; it is returned with a send error since
	// the node may still have taken the transaction.
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return signed.Hash(), fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed.Hash(), nil
}

// buildTx prefers a dynamic fee transaction and falls back to a legacy one on
// chains without a base fee.
func (c *Client) buildTx(ctx context.Context, nonce, gas uint64, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get head: %w", err)
	}

	if head.BaseFee == nil {
		gasPrice, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gas price: %w", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		}), nil
	}

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), nil
}

// TransactionReceipt returns ethereum.NotFound until hash is included.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.backend.TransactionReceipt(ctx, hash)
}

// RevertReason replays a failed transaction at its block and returns the
// node's error text, e.g. "execution reverted: already registered".
func (c *Client) RevertReason(ctx context.Context, receipt *types.Receipt) (string, error) {
	tx, _, err := c.backend.TransactionByHash(ctx, receipt.TxHash)
	if err != nil {
		return "", fmt.Errorf("load transaction: %w", err)
	}
	_, err = c.backend.CallContract(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, receipt.BlockNumber)
	if err == nil {
		return "", nil
	}
	return err.Error(), nil
}
