package strategy

import (
	"fmt"

	"strategy-core/internal/indicators"
	market "strategy-core/pkg/market/binance"
)

// MACross enters on a golden cross of the closing-price moving averages and
// exits once the fast average is back below the slow one.
type MACross struct {
	fastPeriod int // e.g., 10
	slowPeriod int // e.g., 30
}

func NewMACross(fastPeriod, slowPeriod int) (*MACross, error) {
	if fastPeriod <= 0 || slowPeriod <= fastPeriod {
		return nil, fmt.Errorf("ma_cross: need 0 < fast < slow, got %d/%d", fastPeriod, slowPeriod)
	}
	return &MACross{fastPeriod: fastPeriod, slowPeriod: slowPeriod}, nil
}

func (s *MACross) Name() string {
	return fmt.Sprintf("MA_Cross_%d_%d", s.fastPeriod, s.slowPeriod)
}

// Lookback is the number of closed candles needed for one decision.
func (s *MACross) Lookback() int { return s.slowPeriod + 1 }

func (s *MACross) Evaluate(candles []market.Kline, inPosition bool) Signal {
	closes := market.Closes(closedOnly(candles))
	if len(closes) < s.Lookback() {
		return Signal{}
	}

	fast := indicators.SMA(closes, s.fastPeriod)
	slow := indicators.SMA(closes, s.slowPeriod)

	if !inPosition {
		// Golden cross: fast MA crosses above slow MA
		if indicators.Cross(closes, s.fastPeriod, s.slowPeriod) > 0 {
			return Signal{Intent: IntentEnter, Note: fmt.Sprintf("golden cross: MA%d(%.2f) > MA%d(%.2f)", s.fastPeriod, fast, s.slowPeriod, slow)}
		}
		return Signal{}
	}

	if fast < slow {
		return Signal{Intent: IntentExit, Note: fmt.Sprintf("death cross: MA%d(%.2f) < MA%d(%.2f)", s.fastPeriod, fast, s.slowPeriod, slow)}
	}
	return Signal{}
}
