package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// VaultABI describes the minimal vault interface funds are moved through.
const VaultABI = `[
 {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// Vault methods.
const (
	MethodDeposit  = "deposit"
	MethodWithdraw = "withdraw"
)

// ChainSnapshot represents summarized network metadata for reporting.
type ChainSnapshot struct {
	Name        string `json:"name,omitempty"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// VaultCall is a single deposit or withdraw against a vault contract.
// Amount is expressed in token base units.
type VaultCall struct {
	Target string
	Vault  common.Address
	Method string
	Amount *big.Int
}

// Client defines the common interface that any chain implementation must
// provide so the executor can interact with different networks uniformly.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	CallVaults(ctx context.Context, auth *bind.TransactOpts, calls []VaultCall) ([]common.Hash, error)
	SendBatchTransactions(ctx context.Context, txs []*types.Transaction) ([]common.Hash, error)
	Close()
}
