package types

import "math"

// Strain is a time-ordered series of detector strain samples on a regular grid.
// It is immutable once returned by a fetcher; consumers must not modify Samples.
type Strain struct {
	// Detector is the interferometer the data came from, e.g. "H1".
	Detector string `json:"detector"`
	// T0 is the GPS time of the first sample, in seconds.
	T0 float64 `json:"t0"`
	// SampleRate is the number of samples per second.
	SampleRate int `json:"sampleRate"`
	// Samples holds the dimensionless strain values.
	Samples []float64 `json:"samples"`
}

// Duration returns the span covered by the series in seconds.
func (s Strain) Duration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(len(s.Samples)) / float64(s.SampleRate)
}

// End returns the GPS time one sample past the last sample.
func (s Strain) End() float64 {
	return s.T0 + s.Duration()
}

// TimeAt returns the GPS time of sample i.
func (s Strain) TimeAt(i int) float64 {
	return s.T0 + float64(i)/float64(s.SampleRate)
}

// PeakAmplitude returns the largest absolute sample value.
func (s Strain) PeakAmplitude() float64 {
	peak := 0.0
	for _, v := range s.Samples {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return peak
}
