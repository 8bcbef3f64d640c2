// Package quickview holds the memoized data fetchers behind the dashboard: a
// strain window around an event time, the catalog's event list, and per-event
// info.
package quickview

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/illmade-knight/go-gwquickview/pkg/cache"
	"github.com/illmade-knight/go-gwquickview/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// HalfWindow is how many seconds of data are fetched either side of the
	// reference time.
	HalfWindow = 14.0

	// DefaultSampleRate and FullSampleRate are the two open-data rates.
	DefaultSampleRate = 4096
	FullSampleRate    = 16384
)

var (
	ErrUnsupportedDetector   = errors.New("unsupported detector")
	ErrUnsupportedSampleRate = errors.New("unsupported sample rate")
	ErrInvalidGPS            = errors.New("invalid GPS time")
)

// Detectors lists the interferometers whose open data can be requested.
var Detectors = []string{"H1", "L1", "V1", "G1", "K1"}

// MaxBand returns the highest frequency worth displaying for a sample rate.
func MaxBand(sampleRate int) int {
	if sampleRate == FullSampleRate {
		return 8000
	}
	return 2000
}

// StrainKey identifies one strain window. It is the memoization key.
type StrainKey struct {
	GPS        float64
	Detector   string
	SampleRate int
}

// String renders the key for shared cache tiers, e.g. "H1/1126259462.4/4096".
func (k StrainKey) String() string {
	return k.Detector + "/" + strconv.FormatFloat(k.GPS, 'f', -1, 64) + "/" + strconv.Itoa(k.SampleRate)
}

// Start and End bound the window around the reference time.
func (k StrainKey) Start() float64 { return k.GPS - HalfWindow }
func (k StrainKey) End() float64   { return k.GPS + HalfWindow }

// Validate checks the reference time, detector and sample rate.
func (k StrainKey) Validate() error {
	if math.IsNaN(k.GPS) || math.IsInf(k.GPS, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidGPS, k.GPS)
	}
	if !isDetector(k.Detector) {
		return fmt.Errorf("%w: %q", ErrUnsupportedDetector, k.Detector)
	}
	if k.SampleRate != DefaultSampleRate && k.SampleRate != FullSampleRate {
		return fmt.Errorf("%w: %d", ErrUnsupportedSampleRate, k.SampleRate)
	}
	return nil
}

func isDetector(d string) bool {
	for _, det := range Detectors {
		if det == d {
			return true
		}
	}
	return false
}

// StrainSource retrieves raw strain data from the open-data provider.
type StrainSource interface {
	FetchStrain(ctx context.Context, detector string, start, end float64, sampleRate int) (types.Strain, error)
}

// NewStrainSourceFetcher adapts a StrainSource to the end of a cache chain.
func NewStrainSourceFetcher(src StrainSource) cache.Fetcher[StrainKey, types.Strain] {
	return cache.FetcherFunc[StrainKey, types.Strain](func(ctx context.Context, key StrainKey) (types.Strain, error) {
		return src.FetchStrain(ctx, key.Detector, key.Start(), key.End(), key.SampleRate)
	})
}

// StrainFetcher loads the strain window around a reference time through a
// cache chain.
type StrainFetcher struct {
	chain  cache.Fetcher[StrainKey, types.Strain]
	logger zerolog.Logger
}

// NewStrainFetcher creates a StrainFetcher reading through chain, typically a
// MemoCache whose fallback ends at NewStrainSourceFetcher.
func NewStrainFetcher(chain cache.Fetcher[StrainKey, types.Strain], logger zerolog.Logger) *StrainFetcher {
	return &StrainFetcher{
		chain:  chain,
		logger: logger.With().Str("component", "StrainFetcher").Logger(),
	}
}

// Load returns the strain covering [gps-14, gps+14] for detector at
// sampleRate. Provider errors are returned wrapped but otherwise unchanged.
func (f *StrainFetcher) Load(ctx context.Context, gps float64, detector string, sampleRate int) (types.Strain, error) {
	key := StrainKey{GPS: gps, Detector: detector, SampleRate: sampleRate}
	if err := key.Validate(); err != nil {
		return types.Strain{}, err
	}
	s, err := f.chain.Fetch(ctx, key)
	if err != nil {
		f.logger.Error().Err(err).Str("key", key.String()).Msg("Failed to load strain.")
		return types.Strain{}, fmt.Errorf("loading strain %s: %w", key, err)
	}
	return s, nil
}

// Close closes the cache chain.
func (f *StrainFetcher) Close() error {
	return f.chain.Close()
}
