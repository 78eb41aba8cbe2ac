// Package doser implements the closed-loop gravimetric dosing control
// algorithm: calibration caching, sample filtering, predictive early-stop,
// speed selection, and the safety watchdogs that can abort a run.
package doser

import (
	"log/slog"
	"time"

	"github.com/cesuratx/doser-go/pkg/calibration"
	"github.com/cesuratx/doser-go/pkg/clock"
	"github.com/cesuratx/doser-go/pkg/filter"
	"github.com/cesuratx/doser-go/pkg/fixedpoint"
	"github.com/cesuratx/doser-go/pkg/hw"
)

type speedBandCg struct {
	thresholdCg int32
	sps         uint32
}

// Core is the dosing control loop. Build one with Builder; call Begin once
// per run and then Step (or StepFromRaw, when a Sampler supplies readings)
// until it returns Complete or a non-nil error.
type Core struct {
	scale hw.Scale
	motor hw.Motor

	filterCfg   FilterCfg
	control     ControlCfg
	safety      SafetyCfg
	timeouts    Timeouts
	calibration calibration.Calibration

	targetCg int32
	clock    clock.Clock
	epoch    time.Time

	lastWeightCg     int32
	settledSinceMs   *uint64
	startMs          uint64
	pipeline         *filter.Pipeline
	periodUs         uint64
	calGainCgPerCount int32
	calOffsetCg      int32
	slowAtCg         int32
	epsilonCg        int32
	maxOvershootCg   int32
	noProgressEpsilonCg int32
	motorStarted     bool
	estopCheck       func() bool
	lastProgressCg   int32
	lastProgressAtMs uint64
	estopLatched     bool
	estopDebounceN   uint8
	estopCount       uint8
	predictor        PredictorCfg
	predHist         *predictorHistory
	predLatencyMs    uint64
	lastSlopeEmaCgPerMs *float64
	lastInflightCg      *int32
	earlyStopAtCg       *int32
	speedBandsCg        []speedBandCg
}

// LastWeightGrams returns the last observed (filtered) weight in grams.
func (c *Core) LastWeightGrams() float64 { return float64(c.lastWeightCg) / 100.0 }

// SetTareCounts overrides the calibration's raw zero-point.
func (c *Core) SetTareCounts(zeroCounts int32) { c.calibration.ZeroCounts = zeroCounts }

// FilterCfg returns the configured filter parameters.
func (c *Core) FilterCfg() FilterCfg { return c.filterCfg }

// LastSlopeEmaGramsPerSec returns the predictor's smoothed fill-rate
// telemetry, if the predictor has produced at least one estimate.
func (c *Core) LastSlopeEmaGramsPerSec() (float64, bool) {
	if c.lastSlopeEmaCgPerMs == nil {
		return 0, false
	}
	return *c.lastSlopeEmaCgPerMs * 0.01 * 1000.0, true
}

// LastInflightGrams returns the predictor's last inflight-mass estimate.
func (c *Core) LastInflightGrams() (float64, bool) {
	if c.lastInflightCg == nil {
		return 0, false
	}
	return float64(*c.lastInflightCg) * 0.01, true
}

// EarlyStopAtGrams returns the weight at which the predictor triggered an
// early motor stop, if it did.
func (c *Core) EarlyStopAtGrams() (float64, bool) {
	if c.earlyStopAtCg == nil {
		return 0, false
	}
	return float64(*c.earlyStopAtCg) * 0.01, true
}

// Begin resets all per-run state. Call once before driving a new dose.
func (c *Core) Begin() {
	c.epoch = c.clock.Now()
	now := c.clock.MsSince(c.epoch)
	c.startMs = now
	c.settledSinceMs = nil
	c.lastWeightCg = 0
	c.motorStarted = false
	c.lastProgressCg = 0
	c.lastProgressAtMs = now
	c.estopLatched = false
	c.estopCount = 0
	c.predHist.clear()
	c.lastSlopeEmaCgPerMs = nil
	c.lastInflightCg = nil
	c.earlyStopAtCg = nil
}

// MotorStop stops the motor, best-effort, classifying any error.
func (c *Core) MotorStop() error {
	if err := c.motor.Stop(); err != nil {
		return mapHwError(err)
	}
	return nil
}

// Step reads the scale directly and advances the control loop by one
// iteration.
func (c *Core) Step() (Status, error) {
	if c.estopLatched || c.pollEstop() {
		if err := c.MotorStop(); err != nil {
			slog.Warn("motor_stop failed on estop", "error", err)
		}
		return Running, &AbortError{Reason: AbortEstop}
	}

	timeout := time.Duration(c.timeouts.SensorMs) * time.Millisecond
	raw, err := c.scale.Read(timeout)
	if err != nil {
		return Running, mapHwError(err)
	}

	wCgRaw := c.toCgCached(raw)
	wCg := c.pipeline.Apply(wCgRaw)
	return c.processWeight(wCg)
}

// StepFromRaw advances the control loop using a raw sample obtained
// externally (typically from a Sampler), bypassing Scale.Read.
func (c *Core) StepFromRaw(raw int32) (Status, error) {
	if c.estopLatched || c.pollEstop() {
		if err := c.MotorStop(); err != nil {
			slog.Warn("motor_stop failed on estop", "error", err)
		}
		return Running, &AbortError{Reason: AbortEstop}
	}
	wCgRaw := c.toCgCached(raw)
	wCg := c.pipeline.Apply(wCgRaw)
	return c.processWeight(wCg)
}

func (c *Core) processWeight(wCg int32) (Status, error) {
	c.lastWeightCg = wCg
	errCg := c.targetCg - wCg
	absErrCg := fixedpoint.AbsDiffU32(c.targetCg, wCg)
	now := c.clock.MsSince(c.epoch)

	// 1. Hard runtime cap.
	if saturatingSub(now, c.startMs) >= c.safety.MaxRunMs {
		if err := c.MotorStop(); err != nil {
			slog.Warn("motor_stop failed on max-run cap", "error", err)
		}
		return Running, &AbortError{Reason: AbortMaxRuntime}
	}

	// 2. Overshoot guard.
	if wCg > c.targetCg+c.maxOvershootCg {
		if err := c.MotorStop(); err != nil {
			slog.Warn("motor_stop failed on overshoot", "error", err)
		}
		return Running, &AbortError{Reason: AbortOvershoot}
	}

	// 3. Predictive early stop.
	if c.maybeEarlyStop(now, wCg) {
		c.clock.Sleep(time.Duration(c.periodUs) * time.Microsecond)
		return Running, nil
	}

	// 4. Completion / settle zone.
	if wCg+c.epsilonCg >= c.targetCg {
		if err := c.MotorStop(); err != nil {
			slog.Warn("motor_stop failed entering settle zone", "error", err)
		}
		if c.settledSinceMs == nil {
			since := now
			c.settledSinceMs = &since
		}
		if since := c.settledSinceMs; since != nil && saturatingSub(now, *since) >= c.control.StableMs {
			return Complete, nil
		}
		c.clock.Sleep(time.Duration(c.periodUs) * time.Microsecond)
		return Running, nil
	}
	c.settledSinceMs = nil

	// 5. Speed selection.
	targetSpeed := c.selectSpeed(errCg, absErrCg)

	// 6. No-progress watchdog.
	if c.safety.NoProgressMs > 0 && c.noProgressEpsilonCg > 0 && targetSpeed > 0 {
		progressDeltaCg := fixedpoint.AbsDiffU32(wCg, c.lastProgressCg)
		if progressDeltaCg >= uint32(c.noProgressEpsilonCg) {
			c.lastProgressCg = wCg
			c.lastProgressAtMs = now
		} else if saturatingSub(now, c.lastProgressAtMs) >= c.safety.NoProgressMs {
			if err := c.MotorStop(); err != nil {
				slog.Warn("motor_stop failed on no-progress watchdog", "error", err)
			}
			return Running, &AbortError{Reason: AbortNoProgress}
		}
	}

	// 7. Motor commands.
	if !c.motorStarted {
		if err := c.motor.Start(); err != nil {
			return Running, mapHwError(err)
		}
		c.motorStarted = true
	}
	if err := c.motor.SetSpeed(targetSpeed); err != nil {
		return Running, mapHwError(err)
	}

	c.clock.Sleep(time.Duration(c.periodUs) * time.Microsecond)
	return Running, nil
}

func (c *Core) toCgCached(raw int32) int32 {
	delta := saturatingSubI32(raw, c.calibration.ZeroCounts)
	return saturatingAddI32(saturatingMulI32(c.calGainCgPerCount, delta), c.calOffsetCg)
}

// pollEstop polls the configured e-stop checker with debounce and latches
// once the configured number of consecutive active polls is reached.
func (c *Core) pollEstop() bool {
	if c.estopCheck != nil {
		if c.estopCheck() {
			if c.estopCount < 255 {
				c.estopCount++
			}
			if c.estopCount >= c.estopDebounceN {
				c.estopLatched = true
			}
		} else {
			c.estopCount = 0
		}
	}
	return c.estopLatched
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
