package relay

// Tier is the capability class of a relay operator, derived from daily
// uptime and committed storage. Reward payout itself is accounted on
// chain, outside this node; the tier only governs the storage ceiling
// and the multiplier reported to the hub.
type Tier int

const (
	TierBronze Tier = iota
	TierSilver
	TierGold
	TierPlatinum
)

const (
	gigabyte = int64(1) << 30
	megabyte = int64(1) << 20
)

func (t Tier) String() string {
	switch t {
	case TierBronze:
		return "Bronze"
	case TierSilver:
		return "Silver"
	case TierGold:
		return "Gold"
	case TierPlatinum:
		return "Platinum"
	default:
		return "Unknown"
	}
}

// TierFor assigns a tier from average daily uptime hours and the
// storage the operator commits to the mesh
func TierFor(uptimeHoursPerDay float64, committedBytes int64) Tier {
	switch {
	case uptimeHoursPerDay >= 22 && committedBytes >= 50*gigabyte:
		return TierPlatinum
	case uptimeHoursPerDay >= 16 && committedBytes >= 10*gigabyte:
		return TierGold
	case uptimeHoursPerDay >= 8 && committedBytes >= 1*gigabyte:
		return TierSilver
	default:
		return TierBronze
	}
}

// StorageCeiling is the most offline-message bytes a node of this tier
// may hold at once
func (t Tier) StorageCeiling() int64 {
	switch t {
	case TierSilver:
		return 1 * gigabyte
	case TierGold:
		return 10 * gigabyte
	case TierPlatinum:
		return 50 * gigabyte
	default:
		return 256 * megabyte
	}
}

// RewardMultiplier scales the relay reward reported for this node
func (t Tier) RewardMultiplier() float64 {
	switch t {
	case TierSilver:
		return 1.25
	case TierGold:
		return 1.5
	case TierPlatinum:
		return 2.0
	default:
		return 1.0
	}
}
