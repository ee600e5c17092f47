package liquidity

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// TxType 区分收入与支出。
type TxType string

const (
	TxIncome  TxType = "income"
	TxExpense TxType = "expense"
)

// Transaction 是一条历史资金流水。
type Transaction struct {
	Date        time.Time `json:"date" yaml:"date"`
	Amount      float64   `json:"amount" yaml:"amount"`
	Category    string    `json:"category" yaml:"category"`
	Type        TxType    `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description"`
}

// Stats 是历史流水的汇总统计，金额取整到货币单位。
type Stats struct {
	AvgMonthlyExpenses float64 `json:"avgMonthlyExpenses"`
	AvgMonthlyIncome   float64 `json:"avgMonthlyIncome"`
	BurnRate           float64 `json:"burnRate"`
	Volatility         float64 `json:"volatility"`
}

// ComputeStats 计算月均收支、日消耗和按自然月的支出波动率。
// 波动率为各月支出绝对值之和的总体标准差。
func ComputeStats(txs []Transaction, periodDays int) Stats {
	if periodDays <= 0 {
		return Stats{}
	}
	var totalExpenses, totalIncome float64
	monthly := make(map[string]float64)
	for _, tx := range txs {
		switch tx.Type {
		case TxExpense:
			amount := math.Abs(tx.Amount)
			totalExpenses += amount
			monthly[tx.Date.Format("2006-01")] += amount
		case TxIncome:
			totalIncome += tx.Amount
		}
	}

	months := float64(periodDays) / 30
	stats := Stats{
		AvgMonthlyExpenses: math.Round(totalExpenses / months),
		AvgMonthlyIncome:   math.Round(totalIncome / months),
		BurnRate:           math.Round(totalExpenses / float64(periodDays)),
	}
	if len(monthly) > 0 {
		keys := make([]string, 0, len(monthly))
		for k := range monthly {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		totals := make([]float64, len(keys))
		for i, k := range keys {
			totals[i] = monthly[k]
		}
		_, std := stat.PopMeanStdDev(totals, nil)
		stats.Volatility = math.Round(std)
	}
	return stats
}
