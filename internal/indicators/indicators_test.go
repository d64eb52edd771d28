package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSMA(t *testing.T) {
	assert.Equal(t, 0.0, SMA([]float64{1, 2}, 3))
	assert.Equal(t, 0.0, SMA([]float64{1, 2}, 0))
	assert.InDelta(t, 3.0, SMA([]float64{1, 2, 3, 4}, 3), 1e-9)
}

func TestRSI(t *testing.T) {
	assert.Equal(t, 0.0, RSI([]float64{1, 2}, 2))
	assert.Equal(t, 100.0, RSI([]float64{1, 2, 3, 4}, 3), "no losses")
	// two gains of 1, one loss of 2: rs = 1
	assert.InDelta(t, 50.0, RSI([]float64{10, 11, 12, 10}, 3), 1e-9)
}

func TestCross(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   int
	}{
		{"too short", []float64{1, 2, 3}, 0},
		{"golden cross", []float64{5, 4, 3, 2, 1, 1, 6}, 1},
		{"death cross", []float64{1, 2, 3, 4, 5, 5, 0}, -1},
		{"trend continues", []float64{1, 2, 3, 4, 5, 6, 7}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Cross(tt.values, 2, 4))
		})
	}
}
