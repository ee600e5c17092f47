package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/web3"
	"Treasury-Autopilot/pkg/logger"
)

// ChainConfig 描述链上执行所需的参数，Targets 将策略中的目标名映射到金库合约地址。
type ChainConfig struct {
	Targets        map[string]common.Address
	TokenDecimals  int32
	WithdrawSource string
}

// ChainExecutor 通过金库合约的 deposit/withdraw 移动资金。
type ChainExecutor struct {
	client web3.Client
	signer *bind.TransactOpts
	cfg    ChainConfig
	log    *slog.Logger
}

// NewChainExecutor 创建链上执行器。
func NewChainExecutor(client web3.Client, signer *bind.TransactOpts, cfg ChainConfig) (*ChainExecutor, error) {
	if client == nil {
		return nil, fmt.Errorf("链客户端不能为空")
	}
	if signer == nil {
		return nil, fmt.Errorf("交易签名器不能为空")
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("未配置任何金库地址")
	}
	if cfg.WithdrawSource != "" {
		if _, ok := cfg.Targets[cfg.WithdrawSource]; !ok {
			return nil, fmt.Errorf("撤资来源 %s 未配置金库地址", cfg.WithdrawSource)
		}
	}
	return &ChainExecutor{client: client, signer: signer, cfg: cfg, log: logger.Named("execution.chain")}, nil
}

// Deploy 将两档资金分别存入对应金库，并在同一批次中广播。
func (e *ChainExecutor) Deploy(ctx context.Context, tierA, tierB Leg) (DeployResult, error) {
	calls := make([]web3.VaultCall, 0, 2)
	var moved float64
	for _, leg := range []Leg{tierA, tierB} {
		if leg.Amount <= 0 {
			continue
		}
		call, err := e.vaultCall(leg.Target, web3.MethodDeposit, leg.Amount)
		if err != nil {
			return DeployResult{}, err
		}
		calls = append(calls, call)
		moved += leg.Amount
	}
	if len(calls) == 0 {
		return DeployResult{}, xerrors.New(xerrors.CodeExecutionFailure, "部署金额为 0")
	}

	hashes, err := e.client.CallVaults(ctx, e.signer, calls)
	if err != nil {
		return DeployResult{}, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "金库存入失败")
	}
	receipts := make([]string, 0, len(hashes))
	for _, h := range hashes {
		receipts = append(receipts, h.Hex())
	}
	e.log.Info("金库存入已广播", slog.Any("receipts", receipts), slog.Float64("moved", moved))
	return DeployResult{Receipts: receipts, Status: StatusConfirmed, Moved: moved}, nil
}

// Withdraw 从撤资来源金库取回资金。
func (e *ChainExecutor) Withdraw(ctx context.Context, amount float64, urgency, reason string) (WithdrawResult, error) {
	if amount <= 0 {
		return WithdrawResult{}, xerrors.New(xerrors.CodeExecutionFailure, "撤资金额必须为正数")
	}
	source := e.cfg.WithdrawSource
	if source == "" {
		return WithdrawResult{}, xerrors.New(xerrors.CodeExecutionFailure, "未配置撤资来源")
	}
	call, err := e.vaultCall(source, web3.MethodWithdraw, amount)
	if err != nil {
		return WithdrawResult{}, err
	}
	hashes, err := e.client.CallVaults(ctx, e.signer, []web3.VaultCall{call})
	if err != nil {
		return WithdrawResult{}, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "金库撤资失败",
			xerrors.WithMetadata("urgency", urgency))
	}
	if len(hashes) == 0 {
		return WithdrawResult{}, xerrors.New(xerrors.CodeExecutionFailure, "金库撤资未返回交易哈希",
			xerrors.WithMetadata("urgency", urgency))
	}
	e.log.Warn("金库撤资已广播",
		slog.String("receipt", hashes[0].Hex()),
		slog.Float64("amount", amount),
		slog.String("urgency", urgency),
		slog.String("reason", reason))
	return WithdrawResult{Receipt: hashes[0].Hex(), Status: StatusConfirmed, Moved: amount}, nil
}

func (e *ChainExecutor) vaultCall(target, method string, amount float64) (web3.VaultCall, error) {
	vault, ok := e.cfg.Targets[target]
	if !ok {
		return web3.VaultCall{}, xerrors.New(xerrors.CodeExecutionFailure, "目标未配置金库地址",
			xerrors.WithMetadata("target", target))
	}
	units, err := ToBaseUnits(amount, e.cfg.TokenDecimals)
	if err != nil {
		return web3.VaultCall{}, xerrors.Wrap(xerrors.CodeExecutionFailure, err, "金额换算失败")
	}
	if units.Sign() <= 0 {
		return web3.VaultCall{}, xerrors.New(xerrors.CodeExecutionFailure, "金额换算后为 0",
			xerrors.WithMetadata("target", target))
	}
	return web3.VaultCall{Target: target, Vault: vault, Method: method, Amount: new(big.Int).Set(units)}, nil
}

var _ Executor = (*ChainExecutor)(nil)
