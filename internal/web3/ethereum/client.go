package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"Treasury-Autopilot/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// DefaultGasLimit is used for vault calls when the signer does not set one.
const DefaultGasLimit uint64 = 200_000

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name        string
	RPCURL      string
	BatchRPCURL string
	Notes       string
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name        string
	notes       string
	rpcClient   *gethrpc.Client
	batchClient *gethrpc.Client
	eth         *ethclient.Client
	backend     bind.ContractBackend
	chainID     *big.Int
	vaultABI    abi.ABI
	mu          sync.Mutex
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	parsed, err := abi.JSON(strings.NewReader(web3.VaultABI))
	if err != nil {
		return nil, fmt.Errorf("解析金库 ABI 失败: %w", err)
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("连接批量交易节点失败: %w", err)
		}
	}

	return &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		rpcClient:   rpcClient,
		batchClient: batchClient,
		eth:         eth,
		backend:     eth,
		vaultABI:    parsed,
	}, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend) *Client {
	parsed, err := abi.JSON(strings.NewReader(web3.VaultABI))
	if err != nil {
		panic(fmt.Sprintf("vault ABI: %v", err))
	}
	return &Client{
		name:     name,
		backend:  backend,
		chainID:  new(big.Int).Set(chainID),
		notes:    "simulated backend",
		vaultABI: parsed,
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
}

// ChainID returns the network identifier used for signing.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	if c.eth == nil {
		return nil, errors.New("未配置链 ID")
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return new(big.Int).Set(id), nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	id, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}

	headerReader, ok := c.backend.(interface {
		HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error)
	})
	if !ok {
		return web3.ChainSnapshot{}, errors.New("后端不支持区块查询")
	}
	head, err := headerReader.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}

	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(id),
		BlockNumber: toHexBig(head.Number),
		Notes:       c.notes,
	}, nil
}

// CallVaults signs one vault transaction per call with consecutive nonces and
// broadcasts them as a single batch.
func (c *Client) CallVaults(ctx context.Context, auth *bind.TransactOpts, calls []web3.VaultCall) ([]common.Hash, error) {
	if auth == nil {
		return nil, errors.New("未提供交易签名器")
	}
	if len(calls) == 0 {
		return nil, errors.New("没有需要执行的金库调用")
	}
	backend := c.backend
	if backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}

	nonce, err := backend.PendingNonceAt(ctx, auth.From)
	if err != nil {
		return nil, fmt.Errorf("查询交易计数失败: %w", err)
	}

	txs := make([]*coretypes.Transaction, 0, len(calls))
	for i, call := range calls {
		if call.Amount == nil || call.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("金库调用 %s 的金额必须为正数", call.Target)
		}
		if call.Method != web3.MethodDeposit && call.Method != web3.MethodWithdraw {
			return nil, fmt.Errorf("不支持的金库方法: %s", call.Method)
		}
		opts := *auth
		opts.Context = ctx
		opts.NoSend = true
		opts.Nonce = new(big.Int).SetUint64(nonce + uint64(i))
		if opts.GasLimit == 0 {
			opts.GasLimit = DefaultGasLimit
		}

		contract := bind.NewBoundContract(call.Vault, c.vaultABI, backend, backend, backend)
		tx, err := contract.Transact(&opts, call.Method, call.Amount)
		if err != nil {
			return nil, fmt.Errorf("构造 %s.%s 交易失败: %w", call.Target, call.Method, err)
		}
		txs = append(txs, tx)
	}
	return c.SendBatchTransactions(ctx, txs)
}

// SendBatchTransactions broadcasts multiple signed transactions in a single
// RPC batch call when possible.
func (c *Client) SendBatchTransactions(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	if len(txs) == 0 {
		return nil, errors.New("没有可发送的交易")
	}

	if backend, ok := c.backend.(*backends.SimulatedBackend); ok && c.rpcClient == nil {
		hashes := make([]common.Hash, 0, len(txs))
		for _, tx := range txs {
			if err := backend.SendTransaction(ctx, tx); err != nil {
				return nil, fmt.Errorf("发送交易失败: %w", err)
			}
			hashes = append(hashes, tx.Hash())
		}
		backend.Commit()
		return hashes, nil
	}

	if c.batchClient == nil {
		return nil, errors.New("当前客户端未配置批量 RPC")
	}

	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("序列化交易失败: %w", err)
		}
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{"0x" + hex.EncodeToString(raw)},
			Result: &hashes[i],
		}
	}

	if err := c.batchClient.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("批量发送交易失败: %w", err)
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, fmt.Errorf("交易 %d 发送失败: %w", i, elems[i].Error)
		}
	}
	return hashes, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
