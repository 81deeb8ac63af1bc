package chart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// quiet returns a snapshot pair where no condition fires.
func quiet() (Snapshot, Snapshot) {
	prev := Snapshot{
		Close: 100, Volume: 1000,
		MA5: 99, MA20: 102,
		BBUpper: 110, BBMiddle: 100, BBLower: 90,
		RSI: 50, MACD: -1, MACDSignal: 0,
		VolumeMA5: 1000, High20: 108, Low20: 92,
	}
	cur := prev
	return prev, cur
}

func TestEvaluateConditions_QuietMarketFiresNothing(t *testing.T) {
	prev, cur := quiet()
	conditions := evaluateConditions(prev, cur)
	assert.False(t, anyFired(conditions))
}

func TestEvaluateConditions_GoldenCross(t *testing.T) {
	prev, cur := quiet()
	prev.MA5, prev.MA20 = 100, 100
	cur.MA5, cur.MA20 = 101, 100

	conditions := evaluateConditions(prev, cur)
	assert.True(t, conditions[CondGoldenCross])
	assert.False(t, conditions[CondDeadCross])
}

func TestEvaluateConditions_DeadCross(t *testing.T) {
	prev, cur := quiet()
	prev.MA5, prev.MA20 = 101, 100
	cur.MA5, cur.MA20 = 99, 100

	conditions := evaluateConditions(prev, cur)
	assert.True(t, conditions[CondDeadCross])
	assert.False(t, conditions[CondGoldenCross])
}

func TestEvaluateConditions_NoCrossWhenStillAbove(t *testing.T) {
	prev, cur := quiet()
	prev.MA5, prev.MA20 = 101, 100
	cur.MA5, cur.MA20 = 102, 100

	conditions := evaluateConditions(prev, cur)
	assert.False(t, conditions[CondGoldenCross])
	assert.False(t, conditions[CondDeadCross])
}

func TestEvaluateConditions_BollingerTouchWithinEpsilon(t *testing.T) {
	prev, cur := quiet()
	cur.BBUpper = 110
	cur.Close = 110 * (1 + 0.0005) // inside the 0.1% touch radius

	conditions := evaluateConditions(prev, cur)
	assert.True(t, conditions[CondBollingerTouch])

	cur.Close = 110 * 1.002 // outside
	conditions = evaluateConditions(prev, cur)
	assert.False(t, conditions[CondBollingerTouch])
}

func TestEvaluateConditions_MA20Touch(t *testing.T) {
	prev, cur := quiet()
	cur.MA20 = 100
	cur.Close = 100.05

	conditions := evaluateConditions(prev, cur)
	assert.True(t, conditions[CondMA20Touch])
}

func TestEvaluateConditions_RSIExtremes(t *testing.T) {
	prev, cur := quiet()

	cur.RSI = 70
	assert.True(t, evaluateConditions(prev, cur)[CondRSI])

	cur.RSI = 30
	assert.True(t, evaluateConditions(prev, cur)[CondRSI])

	cur.RSI = 50
	assert.False(t, evaluateConditions(prev, cur)[CondRSI])
}

func TestEvaluateConditions_VolumeSurge(t *testing.T) {
	prev, cur := quiet()
	cur.VolumeMA5 = 1000

	cur.Volume = 3001
	assert.True(t, evaluateConditions(prev, cur)[CondVolumeSurge])

	cur.Volume = 3000 // exactly 3x does not fire
	assert.False(t, evaluateConditions(prev, cur)[CondVolumeSurge])

	cur.VolumeMA5 = 0 // no baseline, no surge
	cur.Volume = 1_000_000
	assert.False(t, evaluateConditions(prev, cur)[CondVolumeSurge])
}

func TestEvaluateConditions_MACDGoldenCross(t *testing.T) {
	prev, cur := quiet()
	prev.MACD, prev.MACDSignal = -0.5, 0
	cur.MACD, cur.MACDSignal = 0.5, 0

	conditions := evaluateConditions(prev, cur)
	assert.True(t, conditions[CondMACDGoldenCross])
}

func TestEvaluateConditions_SupportResistanceBreak(t *testing.T) {
	prev, cur := quiet()

	cur.High20, cur.Low20 = 108, 92
	cur.Close = 108.5
	assert.True(t, evaluateConditions(prev, cur)[CondSRBreak])

	cur.Close = 91.5
	assert.True(t, evaluateConditions(prev, cur)[CondSRBreak])

	cur.Close = 100
	assert.False(t, evaluateConditions(prev, cur)[CondSRBreak])

	// Zero bounds mean not enough history; never fires.
	cur.High20, cur.Low20 = 0, 0
	cur.Close = 1000
	assert.False(t, evaluateConditions(prev, cur)[CondSRBreak])
}

func TestStockState_Arm_LevelConditionAlertsOncePerEpisode(t *testing.T) {
	s := &stockState{}

	// First tick over the threshold alerts.
	fired := s.arm(map[string]bool{CondRSI: true})
	assert.True(t, fired[CondRSI])

	// Holding over the threshold stays silent.
	for i := 0; i < 3; i++ {
		fired = s.arm(map[string]bool{CondRSI: true})
		assert.False(t, fired[CondRSI])
	}

	// Predicate clears, the condition re-arms, the next episode alerts.
	fired = s.arm(map[string]bool{CondRSI: false})
	assert.False(t, fired[CondRSI])
	fired = s.arm(map[string]bool{CondRSI: true})
	assert.True(t, fired[CondRSI])
}

func TestStockState_Arm_IndependentPerCondition(t *testing.T) {
	s := &stockState{}

	s.arm(map[string]bool{CondRSI: true, CondVolumeSurge: false})

	fired := s.arm(map[string]bool{CondRSI: true, CondVolumeSurge: true})
	assert.False(t, fired[CondRSI])
	assert.True(t, fired[CondVolumeSurge])
}

func TestBusinessDaysAgo_SkipsWeekends(t *testing.T) {
	// Monday 2026-08-24 minus 5 business days lands on Monday 2026-08-17.
	monday := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	got := BusinessDaysAgo(monday, 5)
	assert.Equal(t, "2026-08-17", got.Format("2006-01-02"))
}

func TestBusinessDaysAgo_FromMidweek(t *testing.T) {
	// Wednesday minus 3 business days crosses no weekend.
	wednesday := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	got := BusinessDaysAgo(wednesday, 3)
	assert.Equal(t, "2026-08-21", got.Format("2006-01-02"))
}
