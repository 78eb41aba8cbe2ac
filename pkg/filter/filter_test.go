package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMedianOddWindowPicksMiddle(t *testing.T) {
	m := NewMedian(3)
	m.Push(5)
	m.Push(1)
	got := m.Push(3)
	assert.Equal(t, int32(3), got)
}

func TestMedianEvenWindowAveragesTwoMiddles(t *testing.T) {
	m := NewMedian(4)
	m.Push(10)
	m.Push(20)
	m.Push(30)
	got := m.Push(40)
	assert.Equal(t, int32(25), got)
}

func TestMedianWindowOneIsPassthrough(t *testing.T) {
	m := NewMedian(1)
	assert.Equal(t, int32(7), m.Push(7))
	assert.Equal(t, int32(-3), m.Push(-3))
}

func TestEMASeedsOnFirstSample(t *testing.T) {
	e := NewEMA(0.5)
	assert.Equal(t, int32(100), e.Next(100))
}

func TestEMABlendsTowardNewSample(t *testing.T) {
	e := NewEMA(0.5)
	e.Next(100)
	got := e.Next(200)
	assert.Equal(t, int32(150), got)
}

func TestMovingAverageRoundsToNearest(t *testing.T) {
	ma := NewMovingAverage(3)
	ma.Push(1)
	ma.Push(2)
	got := ma.Push(2) // mean = 5/3 = 1.667 -> rounds to 2
	assert.Equal(t, int32(2), got)
}

func TestMovingAverageWindowOneIsPassthrough(t *testing.T) {
	ma := NewMovingAverage(1)
	assert.Equal(t, int32(42), ma.Push(42))
}

func TestPipelineEMATakesPrecedenceOverMovingAverage(t *testing.T) {
	p := NewPipeline(1, 0.5, 5)
	require.NotNil(t, p.ema)
	assert.Nil(t, p.ma)
}

func TestPipelineMedianThenSmoothingOrder(t *testing.T) {
	p := NewPipeline(3, 0, 0)
	p.Apply(10)
	p.Apply(20)
	got := p.Apply(30)
	assert.Equal(t, int32(20), got)
}

func TestPipelineIdempotentOnConstantInput(t *testing.T) {
	p := NewPipeline(3, 0.4, 0)
	var last int32
	for i := 0; i < 10; i++ {
		last = p.Apply(500)
	}
	assert.Equal(t, int32(500), last)
}
