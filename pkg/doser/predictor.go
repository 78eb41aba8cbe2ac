package doser

import "log/slog"

// predictorHistEntry is one (time, weight) sample in the predictor's
// rolling window.
type predictorHistEntry struct {
	ms   uint64
	wCg  int32
}

// predictorHistory is a fixed-capacity FIFO window of recent weight
// samples, used to estimate the instantaneous fill slope for the
// predictive early-stop stage. A plain slice-backed ring is simpler than
// container/ring here because every use site needs both "oldest" and
// "length", which container/ring does not expose directly.
type predictorHistory struct {
	cap     int
	entries []predictorHistEntry
}

func newPredictorHistory(capacity int) *predictorHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &predictorHistory{cap: capacity, entries: make([]predictorHistEntry, 0, capacity)}
}

func (h *predictorHistory) push(ms uint64, wCg int32) {
	h.entries = append(h.entries, predictorHistEntry{ms: ms, wCg: wCg})
	if len(h.entries) > h.cap {
		h.entries = h.entries[1:]
	}
}

func (h *predictorHistory) len() int { return len(h.entries) }

func (h *predictorHistory) oldest() (predictorHistEntry, bool) {
	if len(h.entries) == 0 {
		return predictorHistEntry{}, false
	}
	return h.entries[0], true
}

func (h *predictorHistory) clear() { h.entries = h.entries[:0] }

// maybeEarlyStop updates the predictor's rolling window and, once gated on
// minimum progress, estimates the inflight mass (slope x latency) to decide
// whether the motor should stop now to avoid overshoot once it physically
// catches up. Returning true means the motor was already stopped this call
// and the caller should treat the step as Running (completion still flows
// through the separate epsilon+stable_ms settle gate).
func (c *Core) maybeEarlyStop(nowMs uint64, wCg int32) bool {
	if !c.predictor.Enabled {
		return false
	}

	if c.targetCg > 0 {
		progress := float64(wCg) / float64(c.targetCg)
		if progress < c.predictor.MinProgressRatio {
			c.predHist.push(nowMs, wCg)
			return false
		}
	}

	c.predHist.push(nowMs, wCg)
	if c.predHist.len() < 2 {
		return false
	}

	oldest, ok := c.predHist.oldest()
	if !ok {
		return false
	}
	dtMs := saturatingSub(nowMs, oldest.ms)
	if dtMs == 0 {
		return false
	}
	dwCg := int64(wCg) - int64(oldest.wCg)
	if dwCg <= 0 {
		return false
	}

	num := dwCg * int64(c.predLatencyMs)
	den := int64(dtMs)
	if den < 1 {
		den = 1
	}
	inflightI64 := divRoundNearestI64(num, den)
	inflightCg := clampToInt32(inflightI64)

	slopeCgPerMs := float64(dwCg) / float64(den)
	alpha := c.filterCfg.EMAAlpha
	if alpha <= 0 {
		alpha = 0.3
	}
	var newSlope float64
	if c.lastSlopeEmaCgPerMs == nil {
		newSlope = slopeCgPerMs
	} else {
		prev := *c.lastSlopeEmaCgPerMs
		newSlope = alpha*slopeCgPerMs + (1-alpha)*prev
	}
	c.lastSlopeEmaCgPerMs = &newSlope
	c.lastInflightCg = &inflightCg

	predicted := saturatingAddI32(saturatingAddI32(wCg, inflightCg), c.epsilonCg)
	if predicted >= c.targetCg {
		if err := c.MotorStop(); err != nil {
			slog.Warn("motor_stop failed on predictor early-stop", "error", err)
		}
		stopAt := wCg
		c.earlyStopAtCg = &stopAt
		return true
	}
	return false
}

func divRoundNearestI64(numer, denom int64) int64 {
	if denom <= 0 {
		return 0
	}
	half := denom / 2
	if numer >= 0 {
		return (numer + half) / denom
	}
	return (numer - half) / denom
}

