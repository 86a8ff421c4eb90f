package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name    string
		percent string
		price   int64
		wantFee int64
		wantNet int64
	}{
		{"no commission", "0", 10000, 0, 10000},
		{"five percent", "5", 10000, 500, 9500},
		{"fractional percent", "2.5", 10000, 250, 9750},
		{"rounds half up", "5", 10, 1, 9},
		{"rounds down below half", "4", 10, 0, 10},
		{"full commission", "100", 700, 700, 0},
		{"one unit price", "50", 1, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.percent)
			require.NoError(t, err)

			fee, net := c.Split(tt.price)
			assert.Equal(t, tt.wantFee, fee)
			assert.Equal(t, tt.wantNet, net)
			assert.GreaterOrEqual(t, net, int64(0))
			assert.Equal(t, tt.price, fee+net)
		})
	}
}

func TestNew_Invalid(t *testing.T) {
	for _, pct := range []string{"", "abc", "-1", "100.01"} {
		_, err := New(pct)
		assert.Error(t, err, pct)
	}
}

func TestZeroValueChargesNothing(t *testing.T) {
	var c Calculator
	fee, net := c.Split(1234)
	assert.Equal(t, int64(0), fee)
	assert.Equal(t, int64(1234), net)
	assert.Equal(t, "0", c.Percent())
}
