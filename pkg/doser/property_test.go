package doser

import (
	"math/rand"
	"testing"

	"github.com/cesuratx/doser-go/pkg/calibration"
	"github.com/cesuratx/doser-go/pkg/clock"
	"github.com/stretchr/testify/require"
)

// boundedDeltas generates a per-step fill profile in grams: a bounded
// positive step until stallAt, then zeros, simulating material flow that
// eventually stops.
func boundedDeltas(rng *rand.Rand) []float64 {
	length := 20 + rng.Intn(180)
	stepG := float64(1+rng.Intn(19)) / 100.0
	stallAt := 5 + rng.Intn(45)
	deltas := make([]float64, length)
	for i := range deltas {
		if i < stallAt {
			deltas[i] = stepG
		}
	}
	return deltas
}

// TestOvershootBoundHoldsForRandomSequences drives randomized bounded fill
// profiles against randomized targets and asserts that every run either
// completes within the configured overshoot cap or aborts with Overshoot or
// NoProgress. No other terminal outcome is acceptable.
func TestOvershootBoundHoldsForRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(0xD05E))
	const trials = 200
	const maxOvershootG = 0.10

	for trial := 0; trial < trials; trial++ {
		deltas := boundedDeltas(rng)
		targetG := float64(1 + rng.Intn(49))

		tc := clock.NewTestClock()
		motor := &fakeMotor{}
		c, err := NewBuilder().
			WithScale(&stepScale{}).
			WithMotor(motor).
			WithTargetGrams(targetG).
			WithTimeouts(Timeouts{SensorMs: 10}).
			WithFilter(FilterCfg{SampleRateHz: 500, MedianWindow: 1, MAWindow: 1}).
			WithControl(ControlCfg{CoarseSpeed: 1200, FineSpeed: 250, StableMs: 0}).
			WithSafety(SafetyCfg{
				MaxRunMs:           5_000,
				MaxOvershootG:      maxOvershootG,
				NoProgressEpsilonG: 0.005,
				NoProgressMs:       10,
			}).
			WithCalibration(calibration.Calibration{GainGramsPerCount: 0.01}).
			WithClock(tc).
			Build()
		require.NoError(t, err, "trial %d", trial)
		c.Begin()

		grams := 0.0
		idx := 0
		terminal := false
		for step := 0; step < 1000; step++ {
			if idx < len(deltas) {
				grams += deltas[idx]
				idx++
			}
			raw := int32(grams * 100)

			status, err := c.StepFromRaw(raw)
			if err != nil {
				var abort *AbortError
				require.ErrorAs(t, err, &abort, "trial %d: unexpected error kind: %v", trial, err)
				require.Contains(t,
					[]AbortReason{AbortOvershoot, AbortNoProgress},
					abort.Reason,
					"trial %d: unexpected abort reason", trial)
				terminal = true
				break
			}
			if status == Complete {
				finalG := c.LastWeightGrams()
				require.LessOrEqual(t, finalG, targetG+maxOvershootG+1e-6,
					"trial %d: completed above the overshoot bound", trial)
				terminal = true
				break
			}
		}
		require.True(t, terminal, "trial %d: run did not reach a terminal state", trial)
		require.True(t, motor.stopped, "trial %d: motor not stopped on terminal", trial)
	}
}

// TestEstopLatchIsMonotonicUnderRandomDebounce randomizes the debounce
// depth and the step at which the e-stop input goes (and stays) active,
// then asserts the latch fires after exactly debounceN active polls and
// that every step after the latch keeps returning the Estop abort.
func TestEstopLatchIsMonotonicUnderRandomDebounce(t *testing.T) {
	rng := rand.New(rand.NewSource(0xE570))
	const trials = 100

	for trial := 0; trial < trials; trial++ {
		debounceN := uint8(1 + rng.Intn(5))
		flipAt := rng.Intn(10)

		tc := clock.NewTestClock()
		motor := &fakeMotor{}
		steps := 0
		c, err := NewBuilder().
			WithScale(&stepScale{}).
			WithMotor(motor).
			WithTargetGrams(100).
			WithTimeouts(Timeouts{SensorMs: 10}).
			WithFilter(FilterCfg{SampleRateHz: 100, MedianWindow: 1, MAWindow: 1}).
			WithSafety(SafetyCfg{MaxRunMs: 1_000_000}).
			WithEstopCheck(func() bool { return steps >= flipAt }).
			WithEstopDebounce(debounceN).
			WithClock(tc).
			Build()
		require.NoError(t, err, "trial %d", trial)
		c.Begin()

		// Steps before the flip plus the debounce window keep running.
		quiet := flipAt + int(debounceN) - 1
		for i := 0; i < quiet; i++ {
			status, err := c.StepFromRaw(0)
			require.NoError(t, err, "trial %d: premature latch at step %d", trial, i)
			require.Equal(t, Running, status)
			steps++
		}

		// The latch fires on the debounceN-th consecutive active poll, and
		// every step from then on aborts with Estop.
		for i := 0; i < 10; i++ {
			_, err := c.StepFromRaw(0)
			var abort *AbortError
			require.ErrorAs(t, err, &abort, "trial %d: step %d after latch", trial, i)
			require.Equal(t, AbortEstop, abort.Reason, "trial %d", trial)
			steps++
		}
		require.True(t, motor.stopped, "trial %d", trial)
	}
}
