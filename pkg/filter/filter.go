// Package filter implements the sample-smoothing stages the control loop
// applies to a raw centigram reading before it reaches the state machine:
// a median prefilter followed by either EMA or moving-average smoothing.
package filter

import (
	"sort"

	"github.com/cesuratx/doser-go/pkg/fixedpoint"
)

// Median is a fixed-capacity ring buffer that returns the running median of
// its contents, rounding the average of the two middle values to nearest
// (ties away from zero) when the window holds an even number of samples.
type Median struct {
	window int
	buf    []int32
	scratch []int32
}

// NewMedian returns a Median with the given window size. A window <= 1
// makes Push a passthrough.
func NewMedian(window int) *Median {
	if window < 1 {
		window = 1
	}
	return &Median{window: window, buf: make([]int32, 0, window)}
}

// Push adds a sample and returns the current median.
func (m *Median) Push(v int32) int32 {
	if m.window <= 1 {
		return v
	}
	m.buf = append(m.buf, v)
	if len(m.buf) > m.window {
		m.buf = m.buf[1:]
	}
	if cap(m.scratch) < len(m.buf) {
		m.scratch = make([]int32, len(m.buf))
	}
	m.scratch = m.scratch[:len(m.buf)]
	copy(m.scratch, m.buf)
	sort.Slice(m.scratch, func(i, j int) bool { return m.scratch[i] < m.scratch[j] })

	n := len(m.scratch)
	mid := n / 2
	if n%2 == 0 {
		return fixedpoint.AvgRoundNearest(m.scratch[mid-1], m.scratch[mid])
	}
	return m.scratch[mid]
}

// EMA is an exponential moving average over int32 centigram samples. The
// first sample seeds the average exactly; subsequent samples blend with
// weight alpha and round to the nearest centigram.
type EMA struct {
	alpha float64
	prev  float64
	ok    bool
}

// NewEMA returns an EMA with the given smoothing factor, alpha in (0, 1].
func NewEMA(alpha float64) *EMA {
	return &EMA{alpha: alpha}
}

// Next feeds in a sample (already in centigrams) and returns the smoothed
// value, rounded to nearest.
func (e *EMA) Next(v int32) int32 {
	x := float64(v)
	if !e.ok {
		e.prev = x
		e.ok = true
		return v
	}
	e.prev = e.alpha*x + (1-e.alpha)*e.prev
	return int32(roundHalfAwayFromZero(e.prev))
}

func roundHalfAwayFromZero(x float64) float64 {
	if x >= 0 {
		return float64(int64(x + 0.5))
	}
	return float64(int64(x - 0.5))
}

// MovingAverage is a fixed-capacity ring buffer returning the rounded mean
// of its contents. Uses a 64-bit accumulator so the window can be large
// without overflowing an int32 sum.
type MovingAverage struct {
	window int
	buf    []int32
	head   int
	filled int
	sum    int64
}

// NewMovingAverage returns a MovingAverage with the given window size. A
// window <= 1 makes Push a passthrough.
func NewMovingAverage(window int) *MovingAverage {
	if window < 1 {
		window = 1
	}
	return &MovingAverage{window: window, buf: make([]int32, window)}
}

// Push adds a sample and returns the current rounded mean.
func (a *MovingAverage) Push(v int32) int32 {
	if a.window <= 1 {
		return v
	}
	if a.filled < a.window {
		a.buf[a.head] = v
		a.sum += int64(v)
		a.filled++
	} else {
		old := a.buf[a.head]
		a.sum += int64(v) - int64(old)
		a.buf[a.head] = v
	}
	a.head = (a.head + 1) % a.window
	return divRoundNearestI64(a.sum, int64(a.filled))
}

func divRoundNearestI64(numer, denom int64) int32 {
	if denom <= 0 {
		return 0
	}
	var q int64
	if numer >= 0 {
		q = (numer + denom/2) / denom
	} else {
		q = (numer - denom/2) / denom
	}
	if q > 1<<31-1 {
		return 1<<31 - 1
	}
	if q < -(1 << 31) {
		return -(1 << 31)
	}
	return int32(q)
}

// Pipeline is the ordered median-then-smoothing stage the control loop
// applies to every raw centigram sample: median prefilter (if its window is
// > 1), then exactly one of EMA, moving average, or passthrough.
type Pipeline struct {
	median *Median
	ema    *EMA
	ma     *MovingAverage
}

// NewPipeline builds a Pipeline from a median window, an optional EMA alpha
// (<= 0 disables EMA), and a moving-average window (<= 1 disables MA). EMA
// takes precedence over moving average when both would otherwise apply,
// matching the control loop's smoothing-stage selection.
func NewPipeline(medianWindow int, emaAlpha float64, maWindow int) *Pipeline {
	p := &Pipeline{median: NewMedian(medianWindow)}
	switch {
	case emaAlpha > 0:
		p.ema = NewEMA(emaAlpha)
	case maWindow > 1:
		p.ma = NewMovingAverage(maWindow)
	}
	return p
}

// Apply runs the sample through the median prefilter then the configured
// smoothing stage, returning the filtered centigram value.
func (p *Pipeline) Apply(raw int32) int32 {
	afterMedian := p.median.Push(raw)
	switch {
	case p.ema != nil:
		return p.ema.Next(afterMedian)
	case p.ma != nil:
		return p.ma.Push(afterMedian)
	default:
		return afterMedian
	}
}
