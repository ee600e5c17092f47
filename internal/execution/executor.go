// Package execution moves treasury funds once a decision has been taken.
// The chain executor signs vault calls through internal/web3; DryRun records
// the same requests without touching any network.
package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// 执行状态。
const (
	StatusConfirmed = "confirmed"
	StatusSimulated = "simulated"
)

// Leg 是部署到单个目标的一笔资金。
type Leg struct {
	Target string  `json:"target"`
	Amount float64 `json:"amount"`
}

// DeployResult 是一次部署的执行结果。
type DeployResult struct {
	Receipts []string `json:"receipts"`
	Status   string   `json:"status"`
	Moved    float64  `json:"moved"`
}

// WithdrawResult 是一次撤资的执行结果。
type WithdrawResult struct {
	Receipt string  `json:"receipt"`
	Status  string  `json:"status"`
	Moved   float64 `json:"moved"`
}

// Executor 负责真正改变外部头寸，幂等与重试由实现自行保证。
type Executor interface {
	Deploy(ctx context.Context, tierA, tierB Leg) (DeployResult, error)
	Withdraw(ctx context.Context, amount float64, urgency, reason string) (WithdrawResult, error)
}

// ToBaseUnits 将金额换算为代币最小单位，小数部分截断。
func ToBaseUnits(amount float64, decimals int32) (*big.Int, error) {
	if amount < 0 {
		return nil, fmt.Errorf("金额不能为负数: %v", amount)
	}
	return decimal.NewFromFloat(amount).Shift(decimals).Truncate(0).BigInt(), nil
}

// FromBaseUnits 将最小单位换算回金额。
func FromBaseUnits(units *big.Int, decimals int32) float64 {
	if units == nil {
		return 0
	}
	return decimal.NewFromBigInt(units, -decimals).InexactFloat64()
}

// NewSigner 根据十六进制私钥构造交易签名器。
func NewSigner(hexKey string, chainID *big.Int) (*bind.TransactOpts, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("未配置签名私钥")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("创建签名器失败: %w", err)
	}
	return auth, nil
}
