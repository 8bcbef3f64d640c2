package quickview_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-gwquickview/pkg/cache"
	"github.com/illmade-knight/go-gwquickview/pkg/gwosc"
	"github.com/illmade-knight/go-gwquickview/pkg/quickview"
	"github.com/illmade-knight/go-gwquickview/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type strainCall struct {
	detector   string
	start, end float64
	sampleRate int
}

// fakeProvider serves canned catalog and strain responses and records calls.
type fakeProvider struct {
	mu          sync.Mutex
	strainCalls []strainCall
	eventCalls  atomic.Int32
	listCalls   atomic.Int32

	datasets  []string
	listErr   error
	events    map[string]gwosc.EventJSON
	strainErr error
}

func (p *fakeProvider) FetchStrain(_ context.Context, detector string, start, end float64, sampleRate int) (types.Strain, error) {
	p.mu.Lock()
	p.strainCalls = append(p.strainCalls, strainCall{detector, start, end, sampleRate})
	p.mu.Unlock()
	if p.strainErr != nil {
		return types.Strain{}, p.strainErr
	}
	n := int(math.Round((end - start) * float64(sampleRate)))
	return types.Strain{Detector: detector, T0: start, SampleRate: sampleRate, Samples: make([]float64, n)}, nil
}

func (p *fakeProvider) ListDatasets(_ context.Context, _ string) ([]string, error) {
	p.listCalls.Add(1)
	return p.datasets, p.listErr
}

func (p *fakeProvider) FetchEventJSON(_ context.Context, name string) (gwosc.EventJSON, error) {
	p.eventCalls.Add(1)
	ev, ok := p.events[name]
	if !ok {
		return gwosc.EventJSON{}, &gwosc.APIError{URL: name, Status: 404, Body: "not found"}
	}
	return ev, nil
}

func (p *fakeProvider) calls() []strainCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]strainCall(nil), p.strainCalls...)
}

func eventJSON(id, commonName string, gps float64) gwosc.EventJSON {
	return gwosc.EventJSON{Events: map[string]gwosc.EventDetail{
		id: {CommonName: commonName, GPS: gps, Version: 1},
	}}
}

func newMemoFetchers(t *testing.T, p *fakeProvider) *quickview.Fetchers {
	t.Helper()
	cfg := quickview.CacheConfig{
		Strain:  cache.MemoConfig{TTL: time.Hour, MaxEntries: 10},
		Events:  cache.MemoConfig{TTL: time.Hour, MaxEntries: 10},
		Backend: quickview.BackendMemory,
	}
	f, err := quickview.NewFetchers(context.Background(), cfg, p, quickview.Tiers{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestStrainFetcher_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("requests the window around the reference time", func(t *testing.T) {
		// Arrange
		p := &fakeProvider{}
		f := newMemoFetchers(t, p)

		// Act
		s, err := f.Strain.Load(ctx, 1126259462.4, "H1", 4096)

		// Assert
		require.NoError(t, err)
		calls := p.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "H1", calls[0].detector)
		assert.InDelta(t, 1126259448.4, calls[0].start, 1e-6)
		assert.InDelta(t, 1126259476.4, calls[0].end, 1e-6)
		assert.Equal(t, 4096, calls[0].sampleRate)
		assert.Len(t, s.Samples, 28*4096)
	})

	t.Run("identical requests within the ttl hit the provider once", func(t *testing.T) {
		// Arrange
		p := &fakeProvider{}
		f := newMemoFetchers(t, p)

		// Act
		first, err1 := f.Strain.Load(ctx, 1126259462.4, "L1", 4096)
		second, err2 := f.Strain.Load(ctx, 1126259462.4, "L1", 4096)

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Len(t, p.calls(), 1)
		assert.Equal(t, first.T0, second.T0)
		assert.Equal(t, int64(1), f.Stats()["strain"].Hits)
	})

	t.Run("different sample rates are cached separately", func(t *testing.T) {
		// Arrange
		p := &fakeProvider{}
		f := newMemoFetchers(t, p)

		// Act
		_, err1 := f.Strain.Load(ctx, 1126259462.4, "H1", 4096)
		_, err2 := f.Strain.Load(ctx, 1126259462.4, "H1", 16384)

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Len(t, p.calls(), 2)
	})

	t.Run("invalid arguments never reach the provider", func(t *testing.T) {
		// Arrange
		p := &fakeProvider{}
		f := newMemoFetchers(t, p)

		// Act
		_, errDet := f.Strain.Load(ctx, 1126259462.4, "X9", 4096)
		_, errRate := f.Strain.Load(ctx, 1126259462.4, "H1", 2048)
		_, errNaN := f.Strain.Load(ctx, math.NaN(), "H1", 4096)
		_, errInf := f.Strain.Load(ctx, math.Inf(1), "H1", 4096)

		// Assert
		assert.ErrorIs(t, errDet, quickview.ErrUnsupportedDetector)
		assert.ErrorIs(t, errRate, quickview.ErrUnsupportedSampleRate)
		assert.ErrorIs(t, errNaN, quickview.ErrInvalidGPS)
		assert.ErrorIs(t, errInf, quickview.ErrInvalidGPS)
		assert.Empty(t, p.calls())
	})

	t.Run("provider errors propagate and are not cached", func(t *testing.T) {
		// Arrange
		p := &fakeProvider{strainErr: gwosc.ErrNoStrainData}
		f := newMemoFetchers(t, p)

		// Act
		_, err1 := f.Strain.Load(ctx, 1187008882.4, "V1", 4096)
		_, err2 := f.Strain.Load(ctx, 1187008882.4, "V1", 4096)

		// Assert
		assert.ErrorIs(t, err1, gwosc.ErrNoStrainData)
		assert.ErrorIs(t, err2, gwosc.ErrNoStrainData)
		assert.Len(t, p.calls(), 2)
	})
}

func TestStrainKey(t *testing.T) {
	key := quickview.StrainKey{GPS: 1126259462.4, Detector: "H1", SampleRate: 4096}
	assert.Equal(t, "H1/1126259462.4/4096", key.String())
	assert.InDelta(t, 1126259448.4, key.Start(), 1e-6)
	assert.InDelta(t, 1126259476.4, key.End(), 1e-6)
	assert.NoError(t, key.Validate())
	assert.Equal(t, 8000, quickview.MaxBand(16384))
	assert.Equal(t, 2000, quickview.MaxBand(4096))
}

func TestEventLister_List(t *testing.T) {
	ctx := context.Background()

	t.Run("filters, deduplicates and sorts", func(t *testing.T) {
		// Arrange
		p := &fakeProvider{
			datasets: []string{"GW170817-v3", "GW150914-v3", "GW150914-v2", "S200311bg-v1"},
			events: map[string]gwosc.EventJSON{
				"GW170817-v3":  eventJSON("GW170817-v3", "GW170817", 1187008882.4),
				"GW150914-v3":  eventJSON("GW150914-v3", "GW150914", 1126259462.4),
				"GW150914-v2":  eventJSON("GW150914-v2", "GW150914", 1126259462.4),
				"S200311bg-v1": eventJSON("S200311bg-v1", "S200311bg", 1267963151.3),
			},
		}
		f := newMemoFetchers(t, p)

		// Act
		list, err := f.Events.List(ctx)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"GW150914", "GW170817"}, list)
	})

	t.Run("skips events whose lookup fails", func(t *testing.T) {
		// Arrange
		p := &fakeProvider{
			datasets: []string{"GW150914-v3", "GW190521-v1"},
			events: map[string]gwosc.EventJSON{
				"GW150914-v3": eventJSON("GW150914-v3", "GW150914", 1126259462.4),
			},
		}
		f := newMemoFetchers(t, p)

		// Act
		list, err := f.Events.List(ctx)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"GW150914"}, list)
	})

	t.Run("enumeration failure is an error", func(t *testing.T) {
		// Arrange
		p := &fakeProvider{listErr: errors.New("connection refused")}
		f := newMemoFetchers(t, p)

		// Act
		_, err := f.Events.List(ctx)

		// Assert
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("second call is served from the cache", func(t *testing.T) {
		// Arrange
		p := &fakeProvider{
			datasets: []string{"GW150914-v3"},
			events:   map[string]gwosc.EventJSON{"GW150914-v3": eventJSON("GW150914-v3", "GW150914", 1126259462.4)},
		}
		f := newMemoFetchers(t, p)

		// Act
		_, err1 := f.Events.List(ctx)
		_, err2 := f.Events.List(ctx)

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, int32(1), p.listCalls.Load())
		assert.Equal(t, int32(1), p.eventCalls.Load())
	})
}

func TestEventInfoFetcher_Info(t *testing.T) {
	ctx := context.Background()
	mass1 := 35.6
	snr := 24.4

	// Arrange
	p := &fakeProvider{events: map[string]gwosc.EventJSON{
		"GW150914": {Events: map[string]gwosc.EventDetail{
			"GW150914-v2": {CommonName: "GW150914", GPS: 1126259462.4, Version: 2},
			"GW150914-v3": {
				CommonName:  "GW150914",
				GPS:         1126259462.4,
				Version:     3,
				Mass1Source: &mass1,
				NetworkSNR:  &snr,
				Strain: []gwosc.StrainFile{
					{Detector: "L1"}, {Detector: "H1"}, {Detector: "H1"},
				},
			},
		}},
	}}
	f := newMemoFetchers(t, p)

	// Act
	info, err := f.Info.Info(ctx, "GW150914")
	_, errAgain := f.Info.Info(ctx, "GW150914")
	_, errMissing := f.Info.Info(ctx, "GW000000")

	// Assert
	require.NoError(t, err)
	require.NoError(t, errAgain)
	assert.Equal(t, "GW150914", info.Name)
	assert.InDelta(t, 1126259462.4, info.GPS, 1e-6)
	assert.Equal(t, []string{"H1", "L1"}, info.Detectors)
	assert.InDelta(t, 35.6, info.Parameters["mass_1_source"], 1e-9)
	assert.InDelta(t, 24.4, info.Parameters["network_matched_filter_snr"], 1e-9)
	var apiErr *gwosc.APIError
	assert.ErrorAs(t, errMissing, &apiErr)
	// One lookup for GW150914, one for the missing event.
	assert.Equal(t, int32(2), p.eventCalls.Load())
}

func TestNewFetchers_Validation(t *testing.T) {
	ctx := context.Background()
	good := cache.MemoConfig{TTL: time.Hour, MaxEntries: 10}

	_, err := quickview.NewFetchers(ctx, quickview.CacheConfig{Strain: good, Events: good}, nil, quickview.Tiers{}, zerolog.Nop())
	assert.Error(t, err)

	_, err = quickview.NewFetchers(ctx, quickview.CacheConfig{Strain: good, Events: good, Backend: "memcached"}, &fakeProvider{}, quickview.Tiers{}, zerolog.Nop())
	assert.ErrorContains(t, err, "unknown cache backend")

	_, err = quickview.NewFetchers(ctx, quickview.CacheConfig{Strain: good, Events: good, Backend: quickview.BackendRedis}, &fakeProvider{}, quickview.Tiers{}, zerolog.Nop())
	assert.ErrorContains(t, err, "redis")

	_, err = quickview.NewFetchers(ctx, quickview.CacheConfig{Strain: cache.MemoConfig{TTL: time.Hour}, Events: good}, &fakeProvider{}, quickview.Tiers{}, zerolog.Nop())
	assert.ErrorContains(t, err, "strain cache")
}
