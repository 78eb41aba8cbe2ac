// Package calibration fits a linear raw-counts-to-grams mapping from
// calibration samples and loads those samples from CSV files.
package calibration

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
)

// Calibration is the core linear map: grams = scaleFactor * (raw - zero).
type Calibration struct {
	// ZeroCounts is the raw reading at which grams == 0.
	ZeroCounts int32
	// GainGramsPerCount is the slope of the fit, in grams per raw count.
	GainGramsPerCount float32
	// OffsetGrams is a rarely-needed additive offset, defaults to 0.
	OffsetGrams float32
}

// Row is one calibration sample: a raw ADC reading paired with the known
// weight on the scale at that moment.
type Row struct {
	Raw   int64
	Grams float64
}

// FromRows fits a Calibration to rows via ordinary least squares
// (grams = a*raw + b), enforces strict monotonicity of raw values, and
// performs one pass of 2-sigma residual rejection followed by a refit.
// The returned Calibration's ZeroCounts is round(-b/a), the raw baseline
// where the fitted line crosses zero grams.
func FromRows(rows []Row) (Calibration, error) {
	if len(rows) < 2 {
		return Calibration{}, fmt.Errorf("calibration requires at least two rows, got %d", len(rows))
	}

	dir := 0
	for i := 1; i < len(rows); i++ {
		d := rows[i].Raw - rows[i-1].Raw
		if d == 0 {
			return Calibration{}, fmt.Errorf("calibration rows have duplicate raw values at index %d and %d", i-1, i)
		}
		stepDir := 1
		if d < 0 {
			stepDir = -1
		}
		if dir == 0 {
			dir = stepDir
		} else if dir != stepDir {
			return Calibration{}, fmt.Errorf("calibration raw values must be monotonic (strictly increasing or strictly decreasing)")
		}
	}

	type point struct {
		x float64
		y float64
	}
	pts := make([]point, len(rows))
	for i, r := range rows {
		pts[i] = point{x: float64(r.Raw), y: r.Grams}
	}

	fit := func(pts []point) (a, b float64, err error) {
		n := float64(len(pts))
		var sumX, sumY float64
		for _, p := range pts {
			sumX += p.x
			sumY += p.y
		}
		meanX, meanY := sumX/n, sumY/n
		var sxx, sxy float64
		for _, p := range pts {
			x := p.x - meanX
			y := p.y - meanY
			sxx += x * x
			sxy += x * y
		}
		if math.IsNaN(sxx) || math.IsInf(sxx, 0) || sxx == 0 {
			return 0, 0, fmt.Errorf("calibration cannot determine slope (degenerate X variance)")
		}
		a = sxy / sxx
		if math.IsNaN(a) || math.IsInf(a, 0) || a == 0 {
			return 0, 0, fmt.Errorf("calibration produced invalid nonzero slope: %v", a)
		}
		b = meanY - a*meanX
		return a, b, nil
	}

	a0, b0, err := fit(pts)
	if err != nil {
		return Calibration{}, err
	}

	residuals := make([]float64, len(pts))
	var sumSq float64
	for i, p := range pts {
		r := p.y - (a0*p.x + b0)
		sumSq += r * r
		residuals[i] = r
	}
	rms := 0.0
	if len(residuals) > 0 {
		rms = math.Sqrt(sumSq / float64(len(residuals)))
	}

	filtered := pts
	if rms > 0 {
		var kept []point
		for i, p := range pts {
			if math.Abs(residuals[i]) <= 2.0*rms {
				kept = append(kept, p)
			}
		}
		filtered = kept
	}

	a, b := a0, b0
	if len(filtered) >= 2 && len(filtered) < len(pts) {
		a, b, err = fit(filtered)
		if err != nil {
			return Calibration{}, err
		}
	}

	zeroCounts := -b / a
	if math.IsNaN(zeroCounts) || math.IsInf(zeroCounts, 0) {
		return Calibration{}, fmt.Errorf("calibration produced invalid tare baseline")
	}

	return Calibration{
		ZeroCounts:        int32(math.Round(zeroCounts)),
		GainGramsPerCount: float32(a),
	}, nil
}

// LoadCSV reads calibration rows from a CSV file with exact headers
// "raw,grams" and fits a Calibration to them.
func LoadCSV(path string) (Calibration, error) {
	f, err := os.Open(path)
	if err != nil {
		return Calibration{}, fmt.Errorf("open calibration CSV %s: %w", path, err)
	}
	defer f.Close()
	return loadCSV(path, f)
}

func loadCSV(path string, r io.Reader) (Calibration, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return Calibration{}, fmt.Errorf("read CSV headers %s: %w", path, err)
	}
	if len(header) != 2 || header[0] != "raw" || header[1] != "grams" {
		return Calibration{}, fmt.Errorf("calibration CSV must have headers 'raw,grams', got: %v", header)
	}

	var rows []Row
	lineNo := 1
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		lineNo++
		if err != nil {
			return Calibration{}, fmt.Errorf("invalid CSV row %d: %w", lineNo, err)
		}
		if len(rec) != 2 {
			return Calibration{}, fmt.Errorf("invalid CSV row %d: expected 2 fields, got %d", lineNo, len(rec))
		}
		var raw int64
		var grams float64
		if _, err := fmt.Sscanf(rec[0], "%d", &raw); err != nil {
			return Calibration{}, fmt.Errorf("invalid CSV row %d: raw must be an integer: %w", lineNo, err)
		}
		if _, err := fmt.Sscanf(rec[1], "%g", &grams); err != nil {
			return Calibration{}, fmt.Errorf("invalid CSV row %d: grams must be a number: %w", lineNo, err)
		}
		rows = append(rows, Row{Raw: raw, Grams: grams})
	}

	return FromRows(rows)
}
