// Package runner orchestrates a Core to completion under one of three
// sampling strategies, wrapping the control loop with the max-run and
// stall bookkeeping that only makes sense once you've picked a strategy.
package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/cesuratx/doser-go/pkg/clock"
	"github.com/cesuratx/doser-go/pkg/doser"
	"github.com/cesuratx/doser-go/pkg/hw"
	"github.com/cesuratx/doser-go/pkg/sampler"
)

// Mode selects how the runner obtains weight samples for the control loop.
type Mode int

const (
	// Direct reads the scale synchronously inside the control loop via
	// Core.Step.
	Direct Mode = iota
	// Event runs a background Sampler that blocks on Scale.Read
	// back-to-back, relying on the sensor's own pacing.
	Event
	// Paced runs a background Sampler at a fixed rate.
	Paced
)

// Options configures a Run call's sampling strategy.
type Options struct {
	Mode Mode
	// PacedHz is the sample rate used when Mode is Paced.
	PacedHz uint32
	// SensorTimeout bounds each background Scale.Read.
	SensorTimeout time.Duration
	// MaxRunMs is the hard wall-clock cap on a sampler-mode run, independent
	// of the Core's own safety.MaxRunMs (which only fires on a processed
	// sample; this one fires even if samples stop arriving). Direct mode
	// does not read it and relies on the Core's own cap.
	MaxRunMs uint64
	// PreferTimeoutFirst decides whether the stall-timeout check or the
	// max-run check runs first when both would fire on the same tick. The
	// reference implementation exposes this as a runtime switch rather than
	// hardcoding an order, so it is kept configurable here too; the zero
	// value, false, checks max-run first.
	PreferTimeoutFirst bool
	// Clock overrides the production clock, mainly for deterministic tests.
	Clock clock.Clock
}

// Run drives core to completion using the sampling strategy in opts,
// returning the final weight in grams on success.
func Run(ctx context.Context, core *doser.Core, scale hw.Scale, opts Options) (float64, error) {
	switch opts.Mode {
	case Direct:
		return runDirect(ctx, core)
	case Event, Paced:
		return runWithSampler(ctx, core, scale, opts)
	default:
		return runDirect(ctx, core)
	}
}

func runDirect(ctx context.Context, core *doser.Core) (float64, error) {
	core.Begin()
	slog.Info("dose start", "mode", "direct")
	for {
		if err := ctx.Err(); err != nil {
			_ = core.MotorStop()
			return core.LastWeightGrams(), err
		}
		status, err := core.Step()
		if err != nil {
			_ = core.MotorStop()
			slog.Error("dose aborted", "error", err)
			return core.LastWeightGrams(), err
		}
		if status == doser.Complete {
			final := core.LastWeightGrams()
			slog.Info("dose complete", "final_g", final)
			return final, nil
		}
	}
}

// stallThresholdMs reproduces the reference implementation's bound: a
// sensor that has gone quiet for roughly four read-timeouts (or two sample
// periods, whichever is larger) is considered stalled. Only on very short
// runs, where max-run is below two sample periods, is the threshold clamped
// to stay under the max-run budget; otherwise it may exceed it.
func stallThresholdMs(sensorMs, periodMs, maxRunMs uint64) uint64 {
	fastThreshold := saturatingMul(sensorMs, 4)
	safeThreshold := maxU64(fastThreshold, saturatingMul(periodMs, 2))
	if maxRunMs < periodMs*2 {
		bound := saturatingSub(maxRunMs, 1)
		t := minU64(fastThreshold, bound)
		if t < 1 {
			t = 1
		}
		return t
	}
	return safeThreshold
}

func runWithSampler(ctx context.Context, core *doser.Core, scale hw.Scale, opts Options) (float64, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	filterCfg := core.FilterCfg()
	periodMs := (1000 + uint64(filterCfg.SampleRateHz) - 1) / uint64(filterCfg.SampleRateHz)
	sensorMs := uint64(opts.SensorTimeout / time.Millisecond)
	stallMs := stallThresholdMs(sensorMs, periodMs, opts.MaxRunMs)

	mode := sampler.ModeEvent
	hz := opts.PacedHz
	if opts.Mode == Paced {
		mode = sampler.ModePaced
	}

	s := sampler.Spawn(scale, mode, hz, opts.SensorTimeout, clk)
	defer s.Stop(200 * time.Millisecond)

	core.Begin()
	epoch := clk.Now()
	slog.Info("dose start", "mode", "sampler")

	idlePeriod := time.Duration(periodMs) * time.Millisecond

	for {
		if err := ctx.Err(); err != nil {
			_ = core.MotorStop()
			return core.LastWeightGrams(), err
		}

		now := clk.MsSince(epoch)

		if opts.PreferTimeoutFirst && now >= stallMs && s.StalledFor(now) > stallMs {
			_ = core.MotorStop()
			return core.LastWeightGrams(), doser.ErrTimeout
		}
		if now >= opts.MaxRunMs {
			_ = core.MotorStop()
			return core.LastWeightGrams(), &doser.AbortError{Reason: doser.AbortMaxRuntime}
		}
		if !opts.PreferTimeoutFirst && now >= stallMs && s.StalledFor(now) > stallMs {
			_ = core.MotorStop()
			return core.LastWeightGrams(), doser.ErrTimeout
		}

		raw, ok := s.Latest()
		if !ok {
			clk.Sleep(idlePeriod)
			continue
		}

		status, err := core.StepFromRaw(raw)
		if err != nil {
			_ = core.MotorStop()
			slog.Error("dose aborted", "error", err)
			return core.LastWeightGrams(), err
		}
		if status == doser.Complete {
			final := core.LastWeightGrams()
			slog.Info("dose complete", "final_g", final)
			return final, nil
		}
	}
}

func saturatingMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}
	r := a * b
	if r/a != b {
		return ^uint64(0)
	}
	return r
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
