package chart

import "math"

// touchEpsilon is the relative distance that counts as a band or MA touch.
// Calibrated against intraday tick noise; do not retune casually.
const touchEpsilon = 0.001

// Condition names as persisted in chart hit rows.
const (
	CondGoldenCross     = "golden_cross"
	CondDeadCross       = "dead_cross"
	CondBollingerTouch  = "bollinger_touch"
	CondMA20Touch       = "ma20_touch"
	CondRSI             = "rsi_condition"
	CondVolumeSurge     = "volume_surge"
	CondMACDGoldenCross = "macd_golden_cross"
	CondSRBreak         = "support_resistance_break"
)

// AllConditions lists every named condition in stable order.
var AllConditions = []string{
	CondGoldenCross,
	CondDeadCross,
	CondBollingerTouch,
	CondMA20Touch,
	CondRSI,
	CondVolumeSurge,
	CondMACDGoldenCross,
	CondSRBreak,
}

// evaluateConditions compares the previous and current snapshots and returns
// the per-condition firing map.
func evaluateConditions(prev, cur Snapshot) map[string]bool {
	price := cur.Close
	return map[string]bool{
		CondGoldenCross:     prev.MA5 <= prev.MA20 && cur.MA5 > cur.MA20,
		CondDeadCross:       prev.MA5 >= prev.MA20 && cur.MA5 < cur.MA20,
		CondBollingerTouch:  relTouch(price, cur.BBUpper) || relTouch(price, cur.BBLower),
		CondMA20Touch:       relTouch(price, cur.MA20),
		CondRSI:             cur.RSI >= 70 || cur.RSI <= 30,
		CondVolumeSurge:     cur.VolumeMA5 > 0 && cur.Volume > 3*cur.VolumeMA5,
		CondMACDGoldenCross: prev.MACD <= prev.MACDSignal && cur.MACD > cur.MACDSignal,
		CondSRBreak:         (cur.High20 > 0 && price > cur.High20) || (cur.Low20 > 0 && price < cur.Low20),
	}
}

func relTouch(price, level float64) bool {
	if level == 0 {
		return false
	}
	return math.Abs(price-level)/math.Abs(level) < touchEpsilon
}

func anyFired(conditions map[string]bool) bool {
	for _, fired := range conditions {
		if fired {
			return true
		}
	}
	return false
}
