package liquidity

import (
	"sort"
	"time"
)

// Frequency 是周期性支出的频率。
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
	Yearly  Frequency = "yearly"
)

// RecurringObligation 是一项周期性支出计划。
type RecurringObligation struct {
	Name      string    `json:"name" yaml:"name"`
	Amount    float64   `json:"amount" yaml:"amount"`
	Frequency Frequency `json:"frequency" yaml:"frequency"`
	NextDue   time.Time `json:"nextDueDate" yaml:"next_due"`
	Category  string    `json:"category" yaml:"category"`
}

// Obligation 是预测窗口内的一笔支出。
type Obligation struct {
	Date       string  `json:"date"`
	Amount     float64 `json:"amount"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

const (
	dateLayout           = "2006-01-02"
	recurringConfidence  = 0.95
	sourceRecurring      = "recurring"
	maxOccurrencesPerRun = 400
)

// ProjectObligations 把周期性计划展开到 [from, from+horizonDays] 之间。
func ProjectObligations(schedules []RecurringObligation, from time.Time, horizonDays int) []Obligation {
	start := truncateDay(from)
	end := start.AddDate(0, 0, horizonDays)
	out := make([]Obligation, 0)

	for _, s := range schedules {
		if s.NextDue.IsZero() || s.Amount == 0 {
			continue
		}
		due := truncateDay(s.NextDue)
		for i := 0; i < maxOccurrencesPerRun && !due.After(end); i++ {
			if !due.Before(start) {
				out = append(out, Obligation{
					Date:       due.Format(dateLayout),
					Amount:     s.Amount,
					Category:   category(s),
					Confidence: recurringConfidence,
					Source:     sourceRecurring,
				})
			}
			next, ok := advance(due, s.Frequency)
			if !ok {
				break
			}
			due = next
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// Total 返回预测支出合计。
func Total(obligations []Obligation) float64 {
	var sum float64
	for _, o := range obligations {
		sum += o.Amount
	}
	return sum
}

func advance(t time.Time, f Frequency) (time.Time, bool) {
	switch f {
	case Daily:
		return t.AddDate(0, 0, 1), true
	case Weekly:
		return t.AddDate(0, 0, 7), true
	case Monthly:
		return t.AddDate(0, 1, 0), true
	case Yearly:
		return t.AddDate(1, 0, 0), true
	}
	return t, false
}

func category(s RecurringObligation) string {
	if s.Category != "" {
		return s.Category
	}
	return s.Name
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
