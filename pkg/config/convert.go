package config

import (
	"github.com/cesuratx/doser-go/pkg/calibration"
	"github.com/cesuratx/doser-go/pkg/doser"
)

// DoserControl converts the YAML control block into the doser package's
// runtime ControlCfg.
func (c *Config) DoserControl() doser.ControlCfg {
	bands := make([]doser.SpeedBand, len(c.Control.SpeedBands))
	for i, b := range c.Control.SpeedBands {
		bands[i] = doser.SpeedBand{ThresholdG: b.ThresholdG, SPS: b.SPS}
	}
	return doser.ControlCfg{
		CoarseSpeed: c.Control.CoarseSpeed,
		FineSpeed:   c.Control.FineSpeed,
		SlowAtG:     c.Control.SlowAtG,
		HysteresisG: c.Control.HysteresisG,
		StableMs:    c.Control.StableMs,
		EpsilonG:    c.Control.EpsilonG,
		SpeedBands:  bands,
	}
}

// DoserSafety converts the YAML safety block into the doser package's
// runtime SafetyCfg.
func (c *Config) DoserSafety() doser.SafetyCfg {
	return doser.SafetyCfg{
		MaxRunMs:           c.Safety.MaxRunMs,
		MaxOvershootG:      c.Safety.MaxOvershootG,
		NoProgressEpsilonG: c.Safety.NoProgressEpsilonG,
		NoProgressMs:       c.Safety.NoProgressMs,
	}
}

// DoserFilter converts the YAML filter block into the doser package's
// runtime FilterCfg.
func (c *Config) DoserFilter() doser.FilterCfg {
	alpha := 0.0
	if c.Filter.EMAAlpha != nil {
		alpha = *c.Filter.EMAAlpha
	}
	return doser.FilterCfg{
		MAWindow:     c.Filter.MAWindow,
		MedianWindow: c.Filter.MedianWindow,
		SampleRateHz: c.Filter.SampleRateHz,
		EMAAlpha:     alpha,
	}
}

// DoserPredictor converts the YAML predictor block into the doser package's
// runtime PredictorCfg, disabled when Predictor is nil. Load and Default
// fill in an enabled default block when the YAML section is absent.
func (c *Config) DoserPredictor() doser.PredictorCfg {
	if c.Predictor == nil {
		return doser.PredictorCfg{}
	}
	return doser.PredictorCfg{
		Enabled:          c.Predictor.Enabled,
		Window:           c.Predictor.Window,
		MinProgressRatio: c.Predictor.MinProgressRatio,
		ExtraLatencyMs:   c.Predictor.ExtraLatencyMs,
	}
}

// DoserTimeouts converts the YAML timeouts block, resolving the sensor_ms
// alias.
func (c *Config) DoserTimeouts() doser.Timeouts {
	return doser.Timeouts{SensorMs: c.Timeouts.EffectiveSampleMs()}
}

// DoserCalibration converts a persisted inline calibration, if present, into
// the calibration package's runtime type.
func (c *Config) DoserCalibration() (calibration.Calibration, bool) {
	if c.Calibration == nil {
		return calibration.Calibration{}, false
	}
	return calibration.Calibration{
		ZeroCounts:        c.Calibration.ZeroCounts,
		GainGramsPerCount: float32(c.Calibration.GainGramsPerCount),
		OffsetGrams:       float32(c.Calibration.OffsetGrams),
	}, true
}
