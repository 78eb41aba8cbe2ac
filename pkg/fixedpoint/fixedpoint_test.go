package fixedpoint

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbsDiffU32HandlesExtremesLosslessly(t *testing.T) {
	assert.Equal(t, uint32(math.MaxUint32), AbsDiffU32(math.MinInt32, math.MaxInt32))
}

func TestAbsDiffU32SimplePairs(t *testing.T) {
	assert.Equal(t, uint32(579), AbsDiffU32(123, -456))
	assert.Equal(t, uint32(579), AbsDiffU32(-456, 123))
	assert.Equal(t, uint32(0), AbsDiffU32(0, 0))
}

func TestAvg2ExtremesAndSigns(t *testing.T) {
	assert.Equal(t, int32(math.MaxInt32), AvgRoundNearest(math.MaxInt32, math.MaxInt32))
	assert.Equal(t, int32(math.MinInt32), AvgRoundNearest(math.MinInt32, math.MinInt32))
	assert.Equal(t, int32(-1), AvgRoundNearest(math.MaxInt32, math.MinInt32))
}

func TestAvg2SimplePairs(t *testing.T) {
	assert.Equal(t, int32(2), AvgRoundNearest(1, 2))
	assert.Equal(t, int32(-1), AvgRoundNearest(-1, 0))
	assert.Equal(t, int32(10), AvgRoundNearest(10, 10))
	assert.Equal(t, int32(-6), AvgRoundNearest(-5, -6))
}

func TestDivRoundNearestTiesAwayFromZero(t *testing.T) {
	assert.Equal(t, int32(3), DivRoundNearest(5, 2))
	assert.Equal(t, int32(-3), DivRoundNearest(-5, 2))
	assert.Equal(t, int32(2), DivRoundNearest(7, 3))
	assert.Equal(t, int32(3), DivRoundNearest(8, 3))
}

func TestDivRoundNearestHandlesExtremesWithoutOverflow(t *testing.T) {
	assert.Equal(t, int32(math.MaxInt32/2)+1, DivRoundNearest(math.MaxInt32, 2))
	assert.Equal(t, int32(math.MinInt32/2), DivRoundNearest(math.MinInt32, 2))
}

func TestDivRoundNearestPanicsOnNonPositiveDenom(t *testing.T) {
	assert.Panics(t, func() { DivRoundNearest(5, 0) })
	assert.Panics(t, func() { DivRoundNearest(5, -2) })
}

func TestQuantizeToCgRoundsAndClamps(t *testing.T) {
	assert.Equal(t, int32(150), QuantizeToCg(1.5))
	assert.Equal(t, int32(0), QuantizeToCg(math.NaN()))
	assert.Equal(t, int32(0), QuantizeToCg(math.Inf(1)))
	assert.Equal(t, int32(math.MaxInt32), QuantizeToCg(1e30))
	assert.Equal(t, int32(math.MinInt32), QuantizeToCg(-1e30))
}

func TestGramsToCgMatchesQuantize(t *testing.T) {
	require.Equal(t, QuantizeToCg(12.34), GramsToCg(12.34))
}

func TestPeriodMsAndUsFloorAtOne(t *testing.T) {
	assert.Equal(t, uint64(1), PeriodMs(2000))
	assert.Equal(t, uint64(10), PeriodMs(100))
	assert.Equal(t, uint64(1), PeriodUs(2_000_000))
}

func TestPeriodPanicsOnZeroHz(t *testing.T) {
	assert.Panics(t, func() { PeriodMs(0) })
	assert.Panics(t, func() { PeriodUs(0) })
}
