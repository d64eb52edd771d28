package market

import "time"

// Kline is one candlestick.
type Kline struct {
	Symbol    string  `json:"symbol,omitempty"`
	OpenTime  int64   `json:"open_time"`  // ms
	CloseTime int64   `json:"close_time"` // ms
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	// Closed is false for the still-forming candle of a stream.
	Closed bool `json:"closed"`
}

// ClosedAt is the candle close time.
func (k Kline) ClosedAt() time.Time { return time.UnixMilli(k.CloseTime) }

// Closes extracts closing prices, oldest first.
func Closes(ks []Kline) []float64 {
	out := make([]float64, len(ks))
	for i, k := range ks {
		out[i] = k.Close
	}
	return out
}
