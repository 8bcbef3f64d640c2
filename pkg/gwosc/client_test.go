package gwosc_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-gwquickview/pkg/gwosc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// strainText renders a txt strain file whose sample i has value i.
func strainText(start float64, duration, rate int, compress bool) []byte {
	var raw bytes.Buffer
	fmt.Fprintf(&raw, "# Gravitational wave strain for H1\n# starting GPS %d duration %d\n", int64(start), duration)
	for i := 0; i < duration*rate; i++ {
		fmt.Fprintf(&raw, "%d\n", i)
	}
	if !compress {
		return raw.Bytes()
	}
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	_, _ = w.Write(raw.Bytes())
	_ = w.Close()
	return gz.Bytes()
}

type fakeArchive struct {
	server     *httptest.Server
	files      map[string][]byte
	links      []gwosc.StrainFile
	events     map[string]gwosc.EventDetail
	linkCalls  atomic.Int32
	fileCalls  atomic.Int32
	userAgents chan string
}

func newFakeArchive(t *testing.T) *fakeArchive {
	t.Helper()
	fa := &fakeArchive{
		files:      make(map[string][]byte),
		events:     make(map[string]gwosc.EventDetail),
		userAgents: make(chan string, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/eventapi/json/allevents/", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(gwosc.EventJSON{Events: fa.events})
	})
	mux.HandleFunc("/eventapi/json/event/", func(w http.ResponseWriter, r *http.Request) {
		select {
		case fa.userAgents <- r.UserAgent():
		default:
		}
		name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/eventapi/json/event/"), "/")
		d, ok := fa.events[name]
		if !ok {
			http.Error(w, "event not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(gwosc.EventJSON{Events: map[string]gwosc.EventDetail{name: d}})
	})
	mux.HandleFunc("/archive/links/", func(w http.ResponseWriter, r *http.Request) {
		fa.linkCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"strain": fa.links})
	})
	mux.HandleFunc("/data/", func(w http.ResponseWriter, r *http.Request) {
		fa.fileCalls.Add(1)
		body, ok := fa.files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	})
	fa.server = httptest.NewServer(mux)
	t.Cleanup(fa.server.Close)
	return fa
}

func (fa *fakeArchive) addFile(detector string, start float64, duration, rate int) {
	path := fmt.Sprintf("/data/%s-%d-%d-%d.txt.gz", detector, int64(start), duration, rate)
	fa.files[path] = strainText(start, duration, rate, true)
	fa.links = append(fa.links, gwosc.StrainFile{
		Detector:     detector,
		GPSStart:     start,
		Duration:     float64(duration),
		SamplingRate: rate,
		Format:       gwosc.FormatTxt,
		URL:          fa.server.URL + path,
	})
}

func (fa *fakeArchive) client() *gwosc.Client {
	return gwosc.New(gwosc.Config{BaseURL: fa.server.URL, Timeout: 5 * time.Second, UserAgent: "gwqv-test"}, nil, zerolog.Nop())
}

func ptr(v float64) *float64 { return &v }

func TestClient_FetchStrain(t *testing.T) {
	ctx := context.Background()
	const rate = 4

	t.Run("Single file is cropped to the window", func(t *testing.T) {
		// Arrange
		fa := newFakeArchive(t)
		fa.addFile("H1", 1126259447, 32, rate)
		fa.addFile("L1", 1126259447, 32, rate)
		const gps = 1126259462.4

		// Act
		s, err := fa.client().FetchStrain(ctx, "H1", gps-14, gps+14, rate)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "H1", s.Detector)
		assert.Equal(t, rate, s.SampleRate)
		assert.Len(t, s.Samples, 28*rate)
		assert.InDelta(t, gps-14, s.T0, 0.5/rate, "series should start at the window start on the sample grid")
		assert.InDelta(t, 28.0, s.Duration(), 1e-9)
		assert.Equal(t, 6.0, s.Samples[0], "sample 6 is the first at or after 1.4s into the file")
		assert.Equal(t, int32(1), fa.fileCalls.Load())
	})

	t.Run("Shortest covering file is preferred", func(t *testing.T) {
		fa := newFakeArchive(t)
		fa.addFile("H1", 1126257415, 4096, rate)
		fa.addFile("H1", 1126259447, 32, rate)

		s, err := fa.client().FetchStrain(ctx, "H1", 1126259448, 1126259476, rate)

		require.NoError(t, err)
		assert.Equal(t, 4.0, s.Samples[0])
		assert.Equal(t, int32(1), fa.fileCalls.Load())
	})

	t.Run("Contiguous files are stitched", func(t *testing.T) {
		// Arrange
		fa := newFakeArchive(t)
		fa.addFile("V1", 1000, 16, rate)
		fa.addFile("V1", 1016, 16, rate)

		// Act
		s, err := fa.client().FetchStrain(ctx, "V1", 1010, 1020, rate)

		// Assert
		require.NoError(t, err)
		require.Len(t, s.Samples, 10*rate)
		assert.Equal(t, 1010.0, s.T0)
		assert.Equal(t, 40.0, s.Samples[0])
		assert.Equal(t, 63.0, s.Samples[23], "last sample of the first file")
		assert.Equal(t, 0.0, s.Samples[24], "first sample of the second file")
		assert.Equal(t, int32(2), fa.fileCalls.Load())
	})

	t.Run("Gap in coverage is reported", func(t *testing.T) {
		fa := newFakeArchive(t)
		fa.addFile("V1", 1000, 16, rate)
		fa.addFile("V1", 1020, 16, rate)

		_, err := fa.client().FetchStrain(ctx, "V1", 1010, 1025, rate)

		require.Error(t, err)
		assert.ErrorIs(t, err, gwosc.ErrNoStrainData)
		assert.Equal(t, int32(0), fa.fileCalls.Load())
	})

	t.Run("No data for detector", func(t *testing.T) {
		fa := newFakeArchive(t)
		fa.addFile("H1", 1126259447, 32, rate)

		_, err := fa.client().FetchStrain(ctx, "K1", 1126259448, 1126259476, rate)

		assert.ErrorIs(t, err, gwosc.ErrNoStrainData)
	})

	t.Run("Wrong sample rate files are ignored", func(t *testing.T) {
		fa := newFakeArchive(t)
		fa.addFile("H1", 1126259447, 32, 2)

		_, err := fa.client().FetchStrain(ctx, "H1", 1126259448, 1126259476, rate)

		assert.ErrorIs(t, err, gwosc.ErrNoStrainData)
	})

	t.Run("Download failure surfaces the HTTP error", func(t *testing.T) {
		fa := newFakeArchive(t)
		fa.links = append(fa.links, gwosc.StrainFile{
			Detector: "H1", GPSStart: 1126259447, Duration: 32, SamplingRate: rate,
			Format: gwosc.FormatTxt, URL: fa.server.URL + "/data/missing.txt.gz",
		})

		_, err := fa.client().FetchStrain(ctx, "H1", 1126259448, 1126259476, rate)

		var apiErr *gwosc.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
	})

	t.Run("Empty window is rejected", func(t *testing.T) {
		fa := newFakeArchive(t)
		_, err := fa.client().FetchStrain(ctx, "H1", 10, 10, rate)
		require.Error(t, err)
		assert.Equal(t, int32(0), fa.linkCalls.Load())
	})
}

func TestClient_Events(t *testing.T) {
	ctx := context.Background()
	fa := newFakeArchive(t)
	fa.events["GW150914-v3"] = gwosc.EventDetail{
		CommonName:  "GW150914",
		GPS:         1126259462.4,
		Version:     3,
		Mass1Source: ptr(35.6),
		Mass2Source: ptr(30.6),
		NetworkSNR:  ptr(24.4),
		Strain: []gwosc.StrainFile{
			{Detector: "L1"}, {Detector: "H1"}, {Detector: "H1"},
		},
	}
	fa.events["S200311bg-v1"] = gwosc.EventDetail{CommonName: "S200311bg", Version: 1}
	client := fa.client()

	t.Run("ListDatasets returns sorted ids", func(t *testing.T) {
		ids, err := client.ListDatasets(ctx, gwosc.DatasetTypeEvents)
		require.NoError(t, err)
		assert.Equal(t, []string{"GW150914-v3", "S200311bg-v1"}, ids)
	})

	t.Run("ListDatasets rejects unknown types", func(t *testing.T) {
		_, err := client.ListDatasets(ctx, "runs")
		assert.ErrorIs(t, err, gwosc.ErrUnsupportedDatasetType)
	})

	t.Run("FetchEventJSON decodes parameters and detectors", func(t *testing.T) {
		ev, err := client.FetchEventJSON(ctx, "GW150914-v3")
		require.NoError(t, err)

		id, d, ok := ev.Latest()
		require.True(t, ok)
		assert.Equal(t, "GW150914-v3", id)
		assert.Equal(t, "GW150914", d.CommonName)
		assert.Equal(t, []string{"H1", "L1"}, d.Detectors())
		params := d.Parameters()
		assert.Equal(t, 35.6, params["mass_1_source"])
		assert.NotContains(t, params, "redshift", "null parameters are omitted")
		assert.Equal(t, "gwqv-test", <-fa.userAgents)
	})

	t.Run("Unknown event is an APIError", func(t *testing.T) {
		_, err := client.FetchEventJSON(ctx, "GW000000")
		var apiErr *gwosc.APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusNotFound, apiErr.Status)
		assert.Contains(t, apiErr.Body, "event not found")
	})
}

func TestEventJSON_Latest(t *testing.T) {
	ev := gwosc.EventJSON{Events: map[string]gwosc.EventDetail{
		"GW150914-v1": {CommonName: "GW150914", Version: 1, GPS: 1},
		"GW150914-v3": {CommonName: "GW150914", Version: 3, GPS: 3},
		"GW150914-v2": {CommonName: "GW150914", Version: 2, GPS: 2},
	}}
	id, d, ok := ev.Latest()
	require.True(t, ok)
	assert.Equal(t, "GW150914-v3", id)
	assert.Equal(t, 3.0, d.GPS)

	_, _, ok = gwosc.EventJSON{}.Latest()
	assert.False(t, ok)
}

func TestParseStrainText(t *testing.T) {
	t.Run("Plain text with header", func(t *testing.T) {
		start, samples, err := gwosc.ParseStrainText(bytes.NewReader(strainText(1126259447, 2, 2, false)), 0)
		require.NoError(t, err)
		assert.Equal(t, 1126259447.0, start)
		assert.Equal(t, []float64{0, 1, 2, 3}, samples)
	})

	t.Run("Header missing falls back to the default start", func(t *testing.T) {
		start, samples, err := gwosc.ParseStrainText(strings.NewReader("1.5e-21\n-2.0e-21\n"), 42)
		require.NoError(t, err)
		assert.Equal(t, 42.0, start)
		assert.Equal(t, []float64{1.5e-21, -2.0e-21}, samples)
	})

	t.Run("Malformed sample", func(t *testing.T) {
		_, _, err := gwosc.ParseStrainText(strings.NewReader("# x\n1.0\nnot-a-number\n"), 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "line 3")
	})

	t.Run("Empty file", func(t *testing.T) {
		_, _, err := gwosc.ParseStrainText(strings.NewReader("# only a header\n"), 0)
		assert.ErrorIs(t, err, gwosc.ErrNoStrainData)
	})
}
