package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierFor(t *testing.T) {
	tests := []struct {
		name      string
		uptime    float64
		committed int64
		want      Tier
	}{
		{"casual node", 2, 100 * megabyte, TierBronze},
		{"uptime without storage", 24, 512 * megabyte, TierBronze},
		{"storage without uptime", 4, 100 * gigabyte, TierBronze},
		{"silver threshold", 8, 1 * gigabyte, TierSilver},
		{"gold threshold", 16, 10 * gigabyte, TierGold},
		{"platinum threshold", 22, 50 * gigabyte, TierPlatinum},
		{"always-on datacenter node", 24, 200 * gigabyte, TierPlatinum},
		{"just under platinum uptime", 21.9, 50 * gigabyte, TierGold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TierFor(tt.uptime, tt.committed))
		})
	}
}

func TestTierCeilingsAndMultipliers(t *testing.T) {
	assert.Equal(t, 256*megabyte, TierBronze.StorageCeiling())
	assert.Equal(t, 1*gigabyte, TierSilver.StorageCeiling())
	assert.Equal(t, 10*gigabyte, TierGold.StorageCeiling())
	assert.Equal(t, 50*gigabyte, TierPlatinum.StorageCeiling())

	assert.Equal(t, 1.0, TierBronze.RewardMultiplier())
	assert.Equal(t, 1.25, TierSilver.RewardMultiplier())
	assert.Equal(t, 1.5, TierGold.RewardMultiplier())
	assert.Equal(t, 2.0, TierPlatinum.RewardMultiplier())
}
