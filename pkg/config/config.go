// Package config loads and validates the YAML configuration file that
// describes a doser's pinout, filtering, control, safety, and runner
// settings.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Pins maps logical I/O roles to GPIO line numbers.
type Pins struct {
	HX711DT    uint8  `yaml:"hx711_dt"`
	HX711SCK   uint8  `yaml:"hx711_sck"`
	MotorStep  uint8  `yaml:"motor_step"`
	MotorDir   uint8  `yaml:"motor_dir"`
	MotorEn    *uint8 `yaml:"motor_en,omitempty"`
	EstopIn    *uint8 `yaml:"estop_in,omitempty"`
}

// Filter configures the sample-smoothing pipeline.
type Filter struct {
	MAWindow     int      `yaml:"ma_window"`
	MedianWindow int      `yaml:"median_window"`
	SampleRateHz uint32   `yaml:"sample_rate_hz"`
	// EMAAlpha is nil when unset, disabling EMA smoothing.
	EMAAlpha *float64 `yaml:"ema_alpha,omitempty"`
}

// SpeedBand is one row of the optional banded speed table.
type SpeedBand struct {
	ThresholdG float64 `yaml:"threshold_g"`
	SPS        uint32  `yaml:"sps"`
}

// Control configures motor speed selection and completion detection.
type Control struct {
	CoarseSpeed uint32      `yaml:"coarse_speed"`
	FineSpeed   uint32      `yaml:"fine_speed"`
	SlowAtG     float64     `yaml:"slow_at_g"`
	HysteresisG float64     `yaml:"hysteresis_g"`
	StableMs    uint64      `yaml:"stable_ms"`
	EpsilonG    float64     `yaml:"epsilon_g"`
	SpeedBands  []SpeedBand `yaml:"speed_bands,omitempty"`
}

// DefaultControl mirrors the reference implementation's defaults.
func DefaultControl() Control {
	return Control{
		CoarseSpeed: 1200,
		FineSpeed:   250,
		SlowAtG:     1.0,
		HysteresisG: 0.05,
		StableMs:    250,
	}
}

// Timeouts configures per-read sensor timeouts. SampleMs also accepts the
// legacy key name sensor_ms.
type Timeouts struct {
	SampleMs uint64  `yaml:"sample_ms"`
	SensorMs *uint64 `yaml:"sensor_ms,omitempty"`
	// SettleMs is accepted and ignored; some older configs placed the
	// settle window here instead of under control.stable_ms.
	SettleMs *uint64 `yaml:"settle_ms,omitempty"`
}

// EffectiveSampleMs resolves SampleMs, falling back to the legacy SensorMs
// alias when SampleMs itself was left unset.
func (t Timeouts) EffectiveSampleMs() uint64 {
	if t.SampleMs == 0 && t.SensorMs != nil {
		return *t.SensorMs
	}
	return t.SampleMs
}

// Safety configures the abort watchdogs.
type Safety struct {
	MaxRunMs           uint64  `yaml:"max_run_ms"`
	MaxOvershootG      float64 `yaml:"max_overshoot_g"`
	NoProgressEpsilonG float64 `yaml:"no_progress_epsilon_g"`
	NoProgressMs       uint64  `yaml:"no_progress_ms"`
}

// DefaultSafety mirrors the reference implementation's defaults.
func DefaultSafety() Safety {
	return Safety{
		NoProgressEpsilonG: 0.02,
		NoProgressMs:       1200,
	}
}

// Logging configures the structured logger's sink, level, and rotation.
type Logging struct {
	File     *string `yaml:"file,omitempty"`
	Level    *string `yaml:"level,omitempty"`
	Rotation *string `yaml:"rotation,omitempty"`
}

// Hardware configures low-level sensor timing not already covered by
// Timeouts.
type Hardware struct {
	SensorReadTimeoutMs uint64 `yaml:"sensor_read_timeout_ms"`
}

// DefaultHardware mirrors the reference implementation's defaults.
func DefaultHardware() Hardware {
	return Hardware{SensorReadTimeoutMs: 150}
}

// Predictor configures the predictive early-stop stage.
type Predictor struct {
	Enabled          bool    `yaml:"enabled"`
	Window           int     `yaml:"window"`
	MinProgressRatio float64 `yaml:"min_progress_ratio"`
	ExtraLatencyMs   uint64  `yaml:"extra_latency_ms"`
}

// DefaultPredictor mirrors the reference implementation's defaults.
func DefaultPredictor() Predictor {
	return Predictor{Enabled: true, Window: 5, MinProgressRatio: 0.1, ExtraLatencyMs: 40}
}

// Estop configures the emergency-stop GPIO poller.
type Estop struct {
	ActiveLow bool   `yaml:"active_low"`
	DebounceN uint8  `yaml:"debounce_n"`
	PollMs    uint64 `yaml:"poll_ms"`
}

// DefaultEstop mirrors the reference implementation's defaults.
func DefaultEstop() Estop {
	return Estop{ActiveLow: true, DebounceN: 2, PollMs: 5}
}

// RunMode selects the default orchestration strategy.
type RunMode string

const (
	RunModeSampler RunMode = "sampler"
	RunModeDirect  RunMode = "direct"
)

// Runner configures the default orchestration mode.
type Runner struct {
	Mode RunMode `yaml:"mode"`
}

// DefaultRunner mirrors the reference implementation's defaults.
func DefaultRunner() Runner {
	return Runner{Mode: RunModeSampler}
}

// PersistedCalibration is an inline calibration fit, preferred at runtime
// over a CSV recalibration when present.
type PersistedCalibration struct {
	GainGramsPerCount float64 `yaml:"gain_g_per_count"`
	ZeroCounts        int32   `yaml:"zero_counts"`
	OffsetGrams       float64 `yaml:"offset_g"`
}

// Config is the root of the YAML configuration file.
type Config struct {
	Pins        Pins                  `yaml:"pins"`
	Filter      Filter                `yaml:"filter"`
	Control     Control               `yaml:"control"`
	Timeouts    Timeouts              `yaml:"timeouts"`
	Safety      Safety                `yaml:"safety"`
	Predictor   *Predictor            `yaml:"predictor,omitempty"`
	Logging     Logging               `yaml:"logging"`
	Hardware    Hardware              `yaml:"hardware"`
	Estop       Estop                 `yaml:"estop"`
	Runner      Runner                `yaml:"runner"`
	Calibration *PersistedCalibration `yaml:"calibration,omitempty"`
}

// applyDefaults fills in the zero-value blocks that the reference
// implementation gives #[serde(default)] treatment.
func (c *Config) applyDefaults() {
	if c.Control.CoarseSpeed == 0 && c.Control.FineSpeed == 0 {
		c.Control = DefaultControl()
	}
	if c.Safety.NoProgressEpsilonG == 0 && c.Safety.NoProgressMs == 0 {
		c.Safety = DefaultSafety()
	}
	if c.Hardware.SensorReadTimeoutMs == 0 {
		c.Hardware = DefaultHardware()
	}
	if c.Predictor == nil {
		p := DefaultPredictor()
		c.Predictor = &p
	}
	if c.Estop.DebounceN == 0 && c.Estop.PollMs == 0 {
		c.Estop = DefaultEstop()
	}
	if c.Runner.Mode == "" {
		c.Runner = DefaultRunner()
	}
}

// Default returns the built-in configuration used when no config file is
// given: moderate filtering at 80 Hz and the reference defaults everywhere
// else.
func Default() *Config {
	cfg := &Config{
		Filter:   Filter{MAWindow: 5, MedianWindow: 3, SampleRateHz: 80},
		Timeouts: Timeouts{SampleMs: 150},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses a YAML config file from path, applying the same
// field defaults the reference implementation's serde(default) attributes
// provide, then validating it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field bound the reference implementation enforces
// before a Config is trusted to build a Core.
func (c *Config) Validate() error {
	if c.Control.CoarseSpeed == 0 {
		return fmt.Errorf("control.coarse_speed must be > 0")
	}
	if c.Control.FineSpeed == 0 {
		return fmt.Errorf("control.fine_speed must be > 0")
	}
	if c.Control.SlowAtG < 0 {
		return fmt.Errorf("control.slow_at_g must be >= 0")
	}
	if c.Control.HysteresisG < 0 {
		return fmt.Errorf("control.hysteresis_g must be >= 0")
	}
	if c.Control.StableMs > 5*60*1000 {
		return fmt.Errorf("control.stable_ms is unreasonably large (>5min)")
	}
	if c.Control.EpsilonG < 0 || c.Control.EpsilonG > 1.0 {
		return fmt.Errorf("control.epsilon_g must be in [0.0, 1.0]")
	}

	if c.Safety.MaxOvershootG < 0 {
		return fmt.Errorf("safety.max_overshoot_g must be >= 0.0")
	}
	if c.Safety.NoProgressEpsilonG <= 0 || c.Safety.NoProgressEpsilonG > 1.0 {
		return fmt.Errorf("safety.no_progress_epsilon_g must be in (0.0, 1.0]")
	}
	if c.Safety.NoProgressMs == 0 {
		return fmt.Errorf("safety.no_progress_ms must be >= 1")
	}
	if c.Safety.NoProgressMs > 24*60*60*1000 {
		return fmt.Errorf("safety.no_progress_ms is unreasonably large (>24h)")
	}

	if c.Filter.MAWindow == 0 {
		return fmt.Errorf("filter.ma_window must be >= 1")
	}
	if c.Filter.MedianWindow == 0 {
		return fmt.Errorf("filter.median_window must be >= 1")
	}
	if c.Filter.SampleRateHz == 0 {
		return fmt.Errorf("filter.sample_rate_hz must be > 0")
	}
	if c.Filter.EMAAlpha != nil {
		alpha := *c.Filter.EMAAlpha
		if !(alpha > 0 && alpha <= 1.0) {
			return fmt.Errorf("filter.ema_alpha must be in (0.0, 1.0]")
		}
	}

	if c.Timeouts.EffectiveSampleMs() == 0 {
		return fmt.Errorf("timeouts.sample_ms must be >= 1")
	}

	if c.Hardware.SensorReadTimeoutMs == 0 {
		return fmt.Errorf("hardware.sensor_read_timeout_ms must be >= 1")
	}

	if c.Predictor != nil {
		if c.Predictor.Window < 1 {
			return fmt.Errorf("predictor.window must be >= 1")
		}
		if c.Predictor.MinProgressRatio < 0 || c.Predictor.MinProgressRatio > 1 {
			return fmt.Errorf("predictor.min_progress_ratio must be in [0.0, 1.0]")
		}
	}

	if c.Estop.DebounceN == 0 {
		return fmt.Errorf("estop.debounce_n must be >= 1")
	}
	if c.Estop.PollMs == 0 {
		return fmt.Errorf("estop.poll_ms must be >= 1")
	}

	return nil
}
