package doser

import (
	"log/slog"
	"math"
)

// selectSpeed picks a motor speed in steps/sec from the error magnitude,
// preferring the configured speed-band table (sorted descending by
// threshold at Build time) and falling back to the legacy two-speed
// proportional taper when no bands are configured.
func (c *Core) selectSpeed(errCg int32, absErrCg uint32) uint32 {
	if len(c.speedBandsCg) > 0 {
		targetSpeed := c.control.CoarseSpeed
		matched := false
		for _, band := range c.speedBandsCg {
			if errCg >= band.thresholdCg {
				targetSpeed = band.sps
				matched = true
				break
			}
		}
		if !matched {
			last := c.speedBandsCg[len(c.speedBandsCg)-1]
			targetSpeed = last.sps
		}
		slog.Debug("speed band select",
			"err_g", float64(max(errCg, 0))/100.0,
			"band_sps", targetSpeed,
		)
		return targetSpeed
	}

	var targetSpeed uint32
	if c.slowAtCg > 0 && absErrCg <= uint32(c.slowAtCg) {
		ratio := clamp01(float64(absErrCg) / float64(c.slowAtCg))
		const minFrac = 0.2
		frac := minFrac + (1.0-minFrac)*ratio
		speed := math.Round(float64(c.control.FineSpeed) * frac)
		if speed < 1.0 {
			speed = 1.0
		}
		targetSpeed = uint32(speed)
	} else {
		targetSpeed = c.control.CoarseSpeed
	}
	slog.Debug("speed band select (legacy)",
		"err_g", float64(max(errCg, 0))/100.0,
		"band_sps", targetSpeed,
	)
	return targetSpeed
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
