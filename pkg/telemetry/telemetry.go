// Package telemetry emits the one-line-per-run JSON record describing a
// dosing run's outcome, independent of the structured logs written as the
// run progresses.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cesuratx/doser-go/pkg/doser"
)

// Record is the per-run outcome summary, written once a dose finishes,
// aborts, or errors.
type Record struct {
	Timestamp   int64    `json:"timestamp"`
	TargetG     float64  `json:"target_g"`
	DurationMs  uint64   `json:"duration_ms"`
	FinalG      *float64 `json:"final_g"`
	Profile     string   `json:"profile"`
	SlopeEma    *float64 `json:"slope_ema"`
	StopAtG     *float64 `json:"stop_at_g"`
	CoastCompG  *float64 `json:"coast_comp_g"`
	AbortReason *string  `json:"abort_reason"`
}

// AbortReasonString maps a run's terminal error to the telemetry record's
// abort_reason field, nil (encoded as null) on success.
func AbortReasonString(err error) *string {
	if err == nil {
		return nil
	}
	var abort *doser.AbortError
	if errors.As(err, &abort) {
		// Telemetry uses the capitalized reference vocabulary; the doser
		// package's String() is lowercase/snake_case for log lines.
		s := capitalizeAbortReason(abort.Reason.String())
		return &s
	}
	s := "Error"
	return &s
}

func capitalizeAbortReason(s string) string {
	switch s {
	case "estop":
		return "Estop"
	case "no_progress":
		return "NoProgress"
	case "max_runtime":
		return "MaxRuntime"
	case "overshoot":
		return "Overshoot"
	case "max_attempts":
		return "MaxAttempts"
	default:
		return "Error"
	}
}

// BuildRecord assembles a Record from a finished run's Core and outcome.
// timestampUnix and durationMs are passed in rather than read from the
// system clock so callers stay testable and deterministic.
func BuildRecord(core *doser.Core, targetG float64, timestampUnix int64, durationMs uint64, profile string, runErr error) Record {
	rec := Record{
		Timestamp:   timestampUnix,
		TargetG:     targetG,
		DurationMs:  durationMs,
		Profile:     profile,
		AbortReason: AbortReasonString(runErr),
	}
	if runErr == nil {
		final := core.LastWeightGrams()
		rec.FinalG = &final
	}
	if slope, ok := core.LastSlopeEmaGramsPerSec(); ok {
		rec.SlopeEma = &slope
	}
	if stopAt, ok := core.EarlyStopAtGrams(); ok {
		rec.StopAtG = &stopAt
	}
	if inflight, ok := core.LastInflightGrams(); ok {
		rec.CoastCompG = &inflight
	}
	return rec
}

// Writer appends newline-delimited JSON Records to an underlying sink
// (typically a file opened in append mode, or stdout).
type Writer struct {
	w   io.Writer
	enc *json.Encoder
}

// NewWriter wraps w as a telemetry sink.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, enc: json.NewEncoder(w)}
}

// Write serializes and appends rec as one JSON line.
func (tw *Writer) Write(rec Record) error {
	if err := tw.enc.Encode(rec); err != nil {
		return fmt.Errorf("telemetry: write record: %w", err)
	}
	return nil
}
