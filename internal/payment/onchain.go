package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/punchamoorthee/ledgergate/internal/domain"
)

var (
	ErrTransferNotFound = errors.New("asset transfer to payee not found or insufficient")
	ErrTxNotIncluded    = errors.New("payment transaction not found")
	ErrTxFailed         = errors.New("payment transaction failed")
)

// erc20TransferTopic is keccak256("Transfer(address,address,uint256)").
var erc20TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ReceiptFetcher is the subset of ethclient.Client the verifier needs.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// OnchainVerifier accepts a transaction hash as proof of a direct asset
// transfer to the payee.
type OnchainVerifier struct {
	receipts ReceiptFetcher
}

func NewOnchainVerifier(receipts ReceiptFetcher) *OnchainVerifier {
	return &OnchainVerifier{receipts: receipts}
}

// Verify returns the payer of the first qualifying transfer in txHash.
func (v *OnchainVerifier) Verify(ctx context.Context, txHash string, req domain.PaymentRequirement) (string, error) {
	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return "", fmt.Errorf("bad amount %q", req.MaxAmountRequired)
	}

	receipt, err := v.receipts.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return "", ErrTxNotIncluded
	}
	if err != nil {
		return "", fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", ErrTxFailed
	}

	asset := common.HexToAddress(req.Asset)
	payee := common.HexToAddress(req.PayTo)
	for _, l := range receipt.Logs {
		if l.Address != asset || len(l.Topics) != 3 || l.Topics[0] != erc20TransferTopic {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != payee {
			continue
		}
		if new(big.Int).SetBytes(l.Data).Cmp(required) >= 0 {
			return strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex()), nil
		}
	}
	return "", ErrTransferNotFound
}
