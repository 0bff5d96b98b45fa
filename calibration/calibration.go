// Package calibration turns raw ADC codes into engineering-unit values.
//
// Each board leaves the factory with one slope/offset pair per calibratable
// channel or range (see the eeprom package). A reading passes through two
// independent steps: calibrate (apply the factory pair to the raw code) and
// scale (convert the code to volts using the range's LSB size, then divide by
// any user-set sensitivity). Scan options can suppress either step, in which
// case the value passes through that step unchanged.
package calibration

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Coefficient is a factory calibration pair applied to raw ADC codes as
// code*Slope + Offset.
type Coefficient struct {
	Slope  float64
	Offset float64
}

// Identity leaves codes untouched. Boards with an absent or unreadable
// identification record run with identity coefficients.
var Identity = Coefficient{Slope: 1, Offset: 0}

// Valid reports whether the pair is usable: finite values and a nonzero
// slope. Records flashed before calibration read back as NaN.
func (c Coefficient) Valid() bool {
	if math.IsNaN(c.Slope) || math.IsInf(c.Slope, 0) || c.Slope == 0 {
		return false
	}
	return !math.IsNaN(c.Offset) && !math.IsInf(c.Offset, 0)
}

// Scale converts a calibrated code to a value in engineering units.
type Scale struct {
	// LSBVolts is the voltage span of one code step.
	LSBVolts float64
	// MinVolts is the voltage at code zero. Zero for signed codes, the
	// negative full-scale for unsigned codes.
	MinVolts float64
	// Sensitivity divides the final voltage (volts per engineering unit).
	// Zero means no divisor.
	Sensitivity float64
}

// Options suppress pipeline steps, mirroring the scan option flags.
type Options struct {
	NoCalibrate bool
	NoScale     bool
}

// Adjust runs one raw code through the pipeline.
func Adjust(raw float64, c Coefficient, s Scale, opts Options) float64 {
	v := raw
	if !opts.NoCalibrate {
		v = v*c.Slope + c.Offset
	}
	if !opts.NoScale {
		v = v*s.LSBVolts + s.MinVolts
		if s.Sensitivity != 0 {
			v /= s.Sensitivity
		}
	}
	return v
}

// Fit computes the least-squares coefficient mapping measured raw codes to
// reference values, for recalibrating a board against a known source. At
// least two points with distinct measured codes are required.
func Fit(measured, reference []float64) (Coefficient, error) {
	if len(measured) != len(reference) {
		return Coefficient{}, errors.Errorf("point count mismatch: %d measured, %d reference",
			len(measured), len(reference))
	}
	if len(measured) < 2 {
		return Coefficient{}, errors.Errorf("need at least 2 points, got %d", len(measured))
	}
	offset, slope := stat.LinearRegression(measured, reference, nil, false)
	c := Coefficient{Slope: slope, Offset: offset}
	if !c.Valid() {
		return Coefficient{}, errors.New("degenerate fit: measured codes do not span a range")
	}
	return c, nil
}
