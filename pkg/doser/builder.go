package doser

import (
	"math"
	"sort"

	"github.com/cesuratx/doser-go/pkg/calibration"
	"github.com/cesuratx/doser-go/pkg/clock"
	"github.com/cesuratx/doser-go/pkg/filter"
	"github.com/cesuratx/doser-go/pkg/fixedpoint"
	"github.com/cesuratx/doser-go/pkg/hw"
)

// Builder assembles a Core. Go has no compile-time type-state mechanism as
// cheap as the original's PhantomData markers without generic boilerplate
// that would read as out of place next to the rest of this codebase, so
// required fields (Scale, Motor, TargetG) are tracked with presence flags
// and checked at Build time instead of at compile time.
type Builder struct {
	scale      hw.Scale
	hasScale   bool
	motor      hw.Motor
	hasMotor   bool
	targetG    float64
	hasTargetG bool

	filter      FilterCfg
	control     ControlCfg
	safety      SafetyCfg
	timeouts    Timeouts
	calibration calibration.Calibration
	predictor   PredictorCfg

	estopCheck     func() bool
	estopDebounceN uint8
	clock          clock.Clock
}

// NewBuilder returns an empty Builder with reference defaults for the
// optional configuration blocks.
func NewBuilder() *Builder {
	return &Builder{
		control:        DefaultControlCfg(),
		safety:         DefaultSafetyCfg(),
		estopDebounceN: 2,
	}
}

func (b *Builder) WithScale(s hw.Scale) *Builder {
	b.scale, b.hasScale = s, true
	return b
}

func (b *Builder) WithMotor(m hw.Motor) *Builder {
	b.motor, b.hasMotor = m, true
	return b
}

func (b *Builder) WithTargetGrams(g float64) *Builder {
	b.targetG, b.hasTargetG = g, true
	return b
}

func (b *Builder) WithFilter(f FilterCfg) *Builder {
	b.filter = f
	return b
}

func (b *Builder) WithControl(c ControlCfg) *Builder {
	b.control = c
	return b
}

func (b *Builder) WithSafety(s SafetyCfg) *Builder {
	b.safety = s
	return b
}

func (b *Builder) WithTimeouts(t Timeouts) *Builder {
	b.timeouts = t
	return b
}

func (b *Builder) WithCalibration(c calibration.Calibration) *Builder {
	b.calibration = c
	return b
}

func (b *Builder) WithTareCounts(zeroCounts int32) *Builder {
	b.calibration.ZeroCounts = zeroCounts
	return b
}

func (b *Builder) WithPredictor(p PredictorCfg) *Builder {
	b.predictor = p
	return b
}

func (b *Builder) WithEstopCheck(f func() bool) *Builder {
	b.estopCheck = f
	return b
}

func (b *Builder) WithEstopDebounce(n uint8) *Builder {
	if n < 1 {
		n = 1
	}
	b.estopDebounceN = n
	return b
}

// WithClock provides a custom Clock; clock.Monotonic is used when omitted.
func (b *Builder) WithClock(c clock.Clock) *Builder {
	b.clock = c
	return b
}

// Build validates the accumulated configuration and constructs a Core with
// precomputed centigram caches and a sorted speed-band table. This is the
// single source of validation and construction logic, matching the
// original's validate_and_build being the only place these checks live.
func (b *Builder) Build() (*Core, error) {
	if !b.hasScale {
		return nil, ErrMissingScale
	}
	if !b.hasMotor {
		return nil, ErrMissingMotor
	}
	if !b.hasTargetG {
		return nil, ErrMissingTarget
	}

	if b.targetG < 0.1 || b.targetG > 5000.0 {
		return nil, invalidConfig("target grams out of range")
	}
	if b.control.HysteresisG < 0 {
		return nil, invalidConfig("hysteresis_g must be >= 0")
	}
	if b.control.SlowAtG < 0 {
		return nil, invalidConfig("slow_at_g must be >= 0")
	}
	if b.control.CoarseSpeed == 0 || b.control.FineSpeed == 0 {
		return nil, invalidConfig("motor speeds must be > 0")
	}
	if b.control.EpsilonG < 0 || b.control.EpsilonG > 1 {
		return nil, invalidConfig("epsilon_g must be in [0, 1]")
	}
	if b.timeouts.SensorMs == 0 {
		return nil, invalidConfig("sensor_ms must be >= 1")
	}
	if b.safety.MaxOvershootG < 0 {
		return nil, invalidConfig("max_overshoot_g must be >= 0")
	}
	if b.safety.NoProgressEpsilonG < 0 {
		return nil, invalidConfig("no_progress_epsilon_g must be >= 0")
	}
	if b.filter.SampleRateHz == 0 {
		return nil, invalidConfig("sample_rate_hz must be > 0")
	}
	for _, band := range b.control.SpeedBands {
		if math.IsNaN(band.ThresholdG) || math.IsInf(band.ThresholdG, 0) {
			return nil, invalidConfig("speed band threshold must be finite")
		}
		if band.ThresholdG < 0 {
			return nil, invalidConfig("speed band threshold must be >= 0")
		}
		if band.SPS == 0 {
			return nil, invalidConfig("speed band speed must be > 0")
		}
	}

	maCap := max(b.filter.MAWindow, 1)
	medCap := max(b.filter.MedianWindow, 1)

	clk := b.clock
	if clk == nil {
		clk = clock.New()
	}
	epoch := clk.Now()
	now := clk.MsSince(epoch)

	periodUs := fixedpoint.PeriodUs(b.filter.SampleRateHz)
	periodMs := (periodUs + 999) / 1000
	predLatencyMs := periodMs + b.predictor.ExtraLatencyMs

	bands := append([]SpeedBand(nil), b.control.SpeedBands...)
	sort.Slice(bands, func(i, j int) bool { return bands[i].ThresholdG > bands[j].ThresholdG })

	targetCg := fixedpoint.GramsToCg(b.targetG)
	epsilonCg := fixedpoint.GramsToCg(b.control.EpsilonG)
	maxOvershootCg := fixedpoint.GramsToCg(b.safety.MaxOvershootG)
	noProgressEpsilonCg := fixedpoint.GramsToCg(b.safety.NoProgressEpsilonG)
	slowAtCg := fixedpoint.GramsToCg(b.control.SlowAtG)

	bandsCg := make([]speedBandCg, len(bands))
	for i, band := range bands {
		bandsCg[i] = speedBandCg{thresholdCg: fixedpoint.GramsToCg(band.ThresholdG), sps: band.SPS}
	}

	calGainCgPerCount := fixedpoint.QuantizeToCg(float64(b.calibration.GainGramsPerCount))
	calOffsetCg := fixedpoint.QuantizeToCg(float64(b.calibration.OffsetGrams))

	c := &Core{
		scale:               b.scale,
		motor:               b.motor,
		filterCfg:           b.filter,
		control:             b.control,
		safety:              b.safety,
		timeouts:            b.timeouts,
		calibration:         b.calibration,
		targetCg:            targetCg,
		clock:               clk,
		epoch:               epoch,
		startMs:             now,
		pipeline:            filter.NewPipeline(medCap, b.filter.EMAAlpha, maCap),
		periodUs:            periodUs,
		calGainCgPerCount:   calGainCgPerCount,
		calOffsetCg:         calOffsetCg,
		slowAtCg:            slowAtCg,
		epsilonCg:           epsilonCg,
		maxOvershootCg:      maxOvershootCg,
		noProgressEpsilonCg: noProgressEpsilonCg,
		estopCheck:          b.estopCheck,
		lastProgressAtMs:    now,
		estopDebounceN:      b.estopDebounceN,
		predictor:           b.predictor,
		predHist:            newPredictorHistory(max(b.predictor.Window, 1)),
		predLatencyMs:       predLatencyMs,
		speedBandsCg:        bandsCg,
	}
	return c, nil
}
