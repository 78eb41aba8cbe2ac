package doser

import (
	"errors"
	"testing"
	"time"

	"github.com/cesuratx/doser-go/pkg/calibration"
	"github.com/cesuratx/doser-go/pkg/clock"
	"github.com/cesuratx/doser-go/pkg/hw"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMotor records every SetSpeed call and lets tests assert it was
// stopped without depending on the simulated scale/motor coupling.
type fakeMotor struct {
	started bool
	stopped bool
	speeds  []uint32
}

func (m *fakeMotor) Start() error { m.started = true; return nil }
func (m *fakeMotor) SetSpeed(sps uint32) error {
	m.speeds = append(m.speeds, sps)
	return nil
}
func (m *fakeMotor) Stop() error { m.stopped = true; return nil }

// stepScale returns a fixed sequence of raw readings, then repeats the last.
type stepScale struct {
	raws []int32
	i    int
}

func (s *stepScale) Read(time.Duration) (int32, error) {
	if s.i >= len(s.raws) {
		return s.raws[len(s.raws)-1], nil
	}
	v := s.raws[s.i]
	s.i++
	return v, nil
}

func buildCore(t *testing.T, motor *fakeMotor, scale hw.Scale, targetG float64, safety SafetyCfg, tc *clock.TestClock) *Core {
	t.Helper()
	c, err := NewBuilder().
		WithScale(scale).
		WithMotor(motor).
		WithTargetGrams(targetG).
		WithTimeouts(Timeouts{SensorMs: 10}).
		WithFilter(FilterCfg{SampleRateHz: 100, MedianWindow: 1, MAWindow: 1}).
		WithSafety(safety).
		WithClock(tc).
		Build()
	require.NoError(t, err)
	c.Begin()
	return c
}

func TestStepReachesCompleteWithinEpsilonAfterStableWindow(t *testing.T) {
	tc := clock.NewTestClock()
	motor := &fakeMotor{}
	c := buildCore(t, motor, &stepScale{}, 100, SafetyCfg{MaxRunMs: 100000}, tc)
	// Raw counts are treated as centigrams directly.
	c.calGainCgPerCount = 1
	c.calOffsetCg = 0

	status, err := c.StepFromRaw(10000)
	require.NoError(t, err)
	assert.Equal(t, Running, status) // not yet settled for stable_ms

	tc.Advance(time.Duration(c.control.StableMs+1) * time.Millisecond)
	status, err = c.StepFromRaw(10000)
	require.NoError(t, err)
	assert.Equal(t, Complete, status)
	assert.True(t, motor.stopped)
}

func TestStepAbortsOnOvershoot(t *testing.T) {
	tc := clock.NewTestClock()
	motor := &fakeMotor{}
	c := buildCore(t, motor, &stepScale{}, 100, SafetyCfg{MaxRunMs: 100000, MaxOvershootG: 1}, tc)
	c.calGainCgPerCount = 1

	_, err := c.StepFromRaw(10200) // 102.00g > 100 + 1g overshoot
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, AbortOvershoot, abort.Reason)
	assert.True(t, motor.stopped)
}

func TestStepAbortsOnMaxRuntime(t *testing.T) {
	tc := clock.NewTestClock()
	motor := &fakeMotor{}
	c := buildCore(t, motor, &stepScale{}, 100, SafetyCfg{MaxRunMs: 50}, tc)
	c.calGainCgPerCount = 1

	tc.Advance(51 * time.Millisecond)
	_, err := c.StepFromRaw(1000)
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, AbortMaxRuntime, abort.Reason)
}

func TestStepAbortsOnEstopMonotonically(t *testing.T) {
	tc := clock.NewTestClock()
	motor := &fakeMotor{}
	c, err := NewBuilder().
		WithScale(&stepScale{}).
		WithMotor(motor).
		WithTargetGrams(100).
		WithTimeouts(Timeouts{SensorMs: 10}).
		WithFilter(FilterCfg{SampleRateHz: 100, MedianWindow: 1, MAWindow: 1}).
		WithSafety(SafetyCfg{MaxRunMs: 100000}).
		WithClock(tc).
		WithEstopCheck(func() bool { return true }).
		WithEstopDebounce(2).
		Build()
	require.NoError(t, err)
	c.Begin()

	// First poll increments debounce count but does not latch yet.
	status, err := c.StepFromRaw(0)
	assert.Equal(t, Running, status)
	assert.NoError(t, err)

	// Second consecutive active poll latches the e-stop.
	_, err = c.StepFromRaw(0)
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, AbortEstop, abort.Reason)

	// Once latched, every subsequent call aborts with Estop again (monotonic).
	_, err = c.StepFromRaw(0)
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, AbortEstop, abort.Reason)
}

func TestStepAbortsOnNoProgress(t *testing.T) {
	tc := clock.NewTestClock()
	motor := &fakeMotor{}
	c := buildCore(t, motor, &stepScale{}, 100,
		SafetyCfg{MaxRunMs: 100000, NoProgressEpsilonG: 0.02, NoProgressMs: 50}, tc)
	c.calGainCgPerCount = 1

	_, err := c.StepFromRaw(10) // far from target, constant weight
	require.NoError(t, err)

	tc.Advance(60 * time.Millisecond)
	_, err = c.StepFromRaw(10)
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, AbortNoProgress, abort.Reason)
}

// failAfterScale returns one good reading, then the configured error forever.
type failAfterScale struct {
	reads int
	err   error
}

func (s *failAfterScale) Read(time.Duration) (int32, error) {
	s.reads++
	if s.reads == 1 {
		return 100, nil
	}
	return 0, s.err
}

func TestStepCompletesOnFixedRisingSequence(t *testing.T) {
	tc := clock.NewTestClock()
	motor := &fakeMotor{}
	c, err := NewBuilder().
		WithScale(&stepScale{raws: []int32{1000, 1500, 1700, 1800}}).
		WithMotor(motor).
		WithTargetGrams(18).
		WithTimeouts(Timeouts{SensorMs: 10}).
		WithFilter(FilterCfg{SampleRateHz: 100, MedianWindow: 1, MAWindow: 1}).
		WithControl(ControlCfg{CoarseSpeed: 1200, FineSpeed: 250, HysteresisG: 0.1, StableMs: 0}).
		WithSafety(SafetyCfg{MaxRunMs: 100000}).
		WithCalibration(calibration.Calibration{GainGramsPerCount: 0.01}).
		WithClock(tc).
		Build()
	require.NoError(t, err)
	c.Begin()

	var status Status
	for i := 0; i < 4; i++ {
		status, err = c.Step()
		require.NoError(t, err)
		if status == Complete {
			break
		}
	}
	assert.Equal(t, Complete, status)
	assert.InDelta(t, 18.0, c.LastWeightGrams(), 1e-9)
	assert.True(t, motor.stopped)
}

func TestStepClassifiesSensorTimeout(t *testing.T) {
	tc := clock.NewTestClock()
	motor := &fakeMotor{}
	scale := &failAfterScale{err: errors.New("sensor timeout")}
	c := buildCore(t, motor, scale, 100, SafetyCfg{MaxRunMs: 100000}, tc)

	_, err := c.Step()
	require.NoError(t, err)

	_, err = c.Step()
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestStepClassifiesHardwareFailure(t *testing.T) {
	tc := clock.NewTestClock()
	motor := &fakeMotor{}
	scale := &failAfterScale{err: errors.New("sensor disconnected")}
	c := buildCore(t, motor, scale, 100, SafetyCfg{MaxRunMs: 100000}, tc)

	_, err := c.Step()
	require.NoError(t, err)

	_, err = c.Step()
	var hwErr *HardwareError
	assert.ErrorAs(t, err, &hwErr)
}

func TestSelectSpeedBandedMonotonicWithError(t *testing.T) {
	c, err := NewBuilder().
		WithScale(&stepScale{}).
		WithMotor(&fakeMotor{}).
		WithTargetGrams(100).
		WithTimeouts(Timeouts{SensorMs: 10}).
		WithFilter(FilterCfg{SampleRateHz: 100, MedianWindow: 1, MAWindow: 1}).
		WithControl(ControlCfg{
			CoarseSpeed: 1200, FineSpeed: 250,
			SpeedBands: []SpeedBand{
				{ThresholdG: 5, SPS: 1200},
				{ThresholdG: 1, SPS: 600},
				{ThresholdG: 0, SPS: 200},
			},
		}).
		Build()
	require.NoError(t, err)

	farSpeed := c.selectSpeed(1000, 1000)  // 10g error
	midSpeed := c.selectSpeed(150, 150)    // 1.5g error
	nearSpeed := c.selectSpeed(10, 10)     // 0.1g error
	assert.GreaterOrEqual(t, farSpeed, midSpeed)
	assert.GreaterOrEqual(t, midSpeed, nearSpeed)
}
