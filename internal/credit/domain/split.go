package domain

// DeductionSplit describes how a settlement amount divides across the two
// credit pools.
type DeductionSplit struct {
	MonthlyDeducted float64 `json:"monthly_deducted"`
	BonusDeducted   float64 `json:"bonus_deducted"`
}

// CalculateDeductionSplit deducts from monthly credits first, bonus second.
// Monthly allocations expire at period end and should be exhausted before
// durable bonus credits; the ordering is fixed policy. When amount exceeds
// both pools the split is capped at their sum and the remainder is covered
// by the overdraft ceiling, which is never itself decremented.
func CalculateDeductionSplit(monthlyAvailable, bonusAvailable, amount float64) DeductionSplit {
	monthlyDeducted := amount
	if monthlyAvailable < monthlyDeducted {
		monthlyDeducted = monthlyAvailable
	}

	bonusDeducted := amount - monthlyDeducted
	if bonusAvailable < bonusDeducted {
		bonusDeducted = bonusAvailable
	}

	return DeductionSplit{
		MonthlyDeducted: monthlyDeducted,
		BonusDeducted:   bonusDeducted,
	}
}
