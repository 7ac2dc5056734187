package credits

// Plan is the static configuration of a tier.
type Plan struct {
	Tier           Tier   `json:"tier"`
	Name           string `json:"name"`
	MonthlyCredits int64  `json:"monthlyCredits"` // Unlimited for the unlimited tier
	Rank           int    `json:"rank"`           // higher is a bigger plan
}

// Plans is the tier catalogue.
var Plans = map[Tier]Plan{
	TierStarter: {
		Tier:           TierStarter,
		Name:           "Starter",
		MonthlyCredits: 50,
		Rank:           0,
	},
	TierPro: {
		Tier:           TierPro,
		Name:           "Pro",
		MonthlyCredits: 500,
		Rank:           1,
	},
	TierUnlimited: {
		Tier:           TierUnlimited,
		Name:           "Unlimited",
		MonthlyCredits: Unlimited,
		Rank:           2,
	},
}

// ValidTier reports whether t is in the catalogue.
func ValidTier(t Tier) bool {
	_, ok := Plans[t]
	return ok
}

// PlanFor returns the plan for t, or the starter plan for unknown tiers.
func PlanFor(t Tier) Plan {
	if p, ok := Plans[t]; ok {
		return p
	}
	return Plans[TierStarter]
}

// IsUpgrade reports whether moving from one tier to another is an upgrade.
func IsUpgrade(from, to Tier) bool {
	return PlanFor(to).Rank > PlanFor(from).Rank
}

// Remaining is the user's spendable credits for display: Unlimited for the
// unlimited tier, otherwise total - used + bonus floored at zero.
func Remaining(bal *CreditBalance, sub *Subscription) int64 {
	if sub != nil && sub.Tier == TierUnlimited {
		return Unlimited
	}
	if bal == nil {
		return 0
	}
	if bal.TotalCredits == Unlimited {
		return 0
	}
	r := bal.TotalCredits - bal.UsedCredits + bal.BonusCredits
	if r < 0 {
		return 0
	}
	return r
}

// canSpend is the deduction predicate shared by the in-memory store.
func canSpend(bal *CreditBalance, sub *Subscription, amount int64) bool {
	if sub.Tier == TierUnlimited {
		return true
	}
	if bal.TotalCredits == Unlimited {
		return false
	}
	return bal.UsedCredits+amount <= bal.TotalCredits+bal.BonusCredits
}
