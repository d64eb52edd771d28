// Package indicators holds the price studies used by signal sources. All
// functions take values oldest first and return 0 when there is not enough
// history.
package indicators

// SMA calculates the simple moving average for the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// RSI computes a Relative Strength Index over the last period changes
// without Wilder smoothing.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}

	gain := 0.0
	loss := 0.0
	for i := len(values) - period; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gain += change
		} else {
			loss -= change
		}
	}

	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs))
}

// Cross compares a fast and slow moving average on the last two points.
// It returns +1 when the fast average crossed above the slow one on the
// latest value, -1 when it crossed below, 0 otherwise.
func Cross(values []float64, fast, slow int) int {
	if fast <= 0 || slow <= 0 || len(values) < slow+1 {
		return 0
	}
	prev := values[:len(values)-1]
	pf, ps := SMA(prev, fast), SMA(prev, slow)
	cf, cs := SMA(values, fast), SMA(values, slow)
	switch {
	case pf <= ps && cf > cs:
		return 1
	case pf >= ps && cf < cs:
		return -1
	}
	return 0
}
