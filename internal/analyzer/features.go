// Package analyzer implements the realtime feature-extraction pipeline:
// windowed time- and frequency-domain health features per sensor, the
// per-sensor analysis tasks, and threshold alert evaluation.
package analyzer

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"vibrationd/internal/model"
)

// Extractor computes feature records from analysis windows. It caches the
// FFT plan between windows since consecutive windows of one sensor almost
// always share the same length. Not safe for concurrent use; each
// analyzer task owns its own Extractor.
type Extractor struct {
	fs  float64
	fft *fourier.FFT
	n   int
}

// NewExtractor creates an Extractor for the given sampling rate in Hz.
func NewExtractor(samplingRate float64) *Extractor {
	if samplingRate <= 0 {
		samplingRate = model.DefaultSamplingRate
	}
	return &Extractor{fs: samplingRate}
}

// Extract computes the full feature record for a window. Every output is
// a finite float: NaN and ±Inf are scrubbed to 0 before return.
func (e *Extractor) Extract(w *model.Window) *model.FeatureRecord {
	rec := &model.FeatureRecord{
		SensorID:    w.SensorID,
		WindowStart: w.WindowStart,
		WindowEnd:   w.WindowEnd,
		Timestamp:   w.WindowEnd,

		RMSH:          rms(w.HData),
		RMSV:          rms(w.VData),
		PeakH:         peak(w.HData),
		PeakV:         peak(w.VData),
		KurtosisH:     kurtosis(w.HData),
		KurtosisV:     kurtosis(w.VData),
		DominantFreqH: e.dominantFreq(w.HData),
		DominantFreqV: e.dominantFreq(w.VData),
	}
	rec.CrestFactorH = crestFactor(rec.PeakH, rec.RMSH)
	rec.CrestFactorV = crestFactor(rec.PeakV, rec.RMSV)
	rec.Sanitize()
	return rec
}

// rms returns √(mean(x²)).
func rms(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

// peak returns max(|x|).
func peak(x []float64) float64 {
	var p float64
	for _, v := range x {
		if a := math.Abs(v); a > p {
			p = a
		}
	}
	return p
}

// kurtosis returns the raw (non-excess) fourth standardized moment,
// mean(((x−μ)/σ)⁴), with σ the population standard deviation. Defined as
// 0 when σ = 0.
func kurtosis(x []float64) float64 {
	n := float64(len(x))
	if n == 0 {
		return 0
	}

	var mean float64
	for _, v := range x {
		mean += v
	}
	mean /= n

	var m2 float64
	for _, v := range x {
		d := v - mean
		m2 += d * d
	}
	m2 /= n

	std := math.Sqrt(m2)
	if std == 0 {
		return 0
	}

	var m4 float64
	for _, v := range x {
		z := (v - mean) / std
		z2 := z * z
		m4 += z2 * z2
	}
	return m4 / n
}

// crestFactor returns peak/rms, or 0 when rms is 0.
func crestFactor(peak, rms float64) float64 {
	if rms == 0 {
		return 0
	}
	return peak / rms
}

// dominantFreqEps separates a real spectral component from FFT
// round-off, relative to the DC magnitude.
const dominantFreqEps = 1e-9

// dominantFreq returns the frequency in Hz of the largest-magnitude
// positive DFT bin, excluding DC. Returns 0 for sequences of length ≤ 1
// and for constant or silent signals, whose non-DC bins hold only
// round-off noise.
func (e *Extractor) dominantFreq(x []float64) float64 {
	n := len(x)
	if n <= 1 {
		return 0
	}

	if e.fft == nil || e.n != n {
		e.fft = fourier.NewFFT(n)
		e.n = n
	}

	coeff := e.fft.Coefficients(nil, x)
	if len(coeff) <= 1 {
		return 0
	}

	best := 1
	bestMag := cmplx.Abs(coeff[1])
	for i := 2; i < len(coeff); i++ {
		if mag := cmplx.Abs(coeff[i]); mag > bestMag {
			bestMag = mag
			best = i
		}
	}
	if bestMag <= dominantFreqEps*math.Max(cmplx.Abs(coeff[0]), 1) {
		return 0
	}
	return math.Abs(e.fft.Freq(best) * e.fs)
}
