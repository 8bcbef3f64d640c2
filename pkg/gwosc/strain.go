package gwosc

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/illmade-knight/go-gwquickview/pkg/types"
)

// FormatTxt is the plain-text strain file format: optional '#' header lines
// followed by one sample per line, usually gzip compressed.
const FormatTxt = "txt"

// StrainFile describes one downloadable open-data strain file.
type StrainFile struct {
	Detector     string  `json:"detector"`
	GPSStart     float64 `json:"GPSstart"`
	Duration     float64 `json:"duration"`
	SamplingRate int     `json:"sampling_rate"`
	Format       string  `json:"format"`
	URL          string  `json:"url"`
}

// End returns the GPS time just past the file's last sample.
func (f StrainFile) End() float64 {
	return f.GPSStart + f.Duration
}

func (f StrainFile) covers(start, end float64) bool {
	return f.GPSStart <= start && f.End() >= end
}

func (f StrainFile) overlaps(start, end float64) bool {
	return f.GPSStart < end && f.End() > start
}

type strainLinks struct {
	Strain []StrainFile `json:"strain"`
}

// LocateStrain lists the txt strain files for a detector at the given rate
// that overlap [start, end).
func (c *Client) LocateStrain(ctx context.Context, detector string, start, end float64, sampleRate int) ([]StrainFile, error) {
	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("format", FormatTxt)
	u := fmt.Sprintf("%s/archive/links/%s/%d/%d/json/?%s",
		c.baseURL, url.PathEscape(detector), int64(math.Floor(start)), int64(math.Ceil(end)), q.Encode())

	var links strainLinks
	if err := c.getJSON(ctx, u, &links); err != nil {
		return nil, fmt.Errorf("locating %s strain for [%g, %g): %w", detector, start, end, err)
	}

	var files []StrainFile
	for _, f := range links.Strain {
		if f.Detector != detector || f.SamplingRate != sampleRate || f.Format != FormatTxt {
			continue
		}
		if !f.overlaps(start, end) {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].GPSStart != files[j].GPSStart {
			return files[i].GPSStart < files[j].GPSStart
		}
		return files[i].Duration < files[j].Duration
	})
	return files, nil
}

// FetchStrain downloads open strain data for detector covering [start, end)
// at sampleRate. The returned series starts at start snapped to the sample
// grid of the source files and holds round((end-start)*sampleRate) samples.
func (c *Client) FetchStrain(ctx context.Context, detector string, start, end float64, sampleRate int) (types.Strain, error) {
	if end <= start {
		return types.Strain{}, fmt.Errorf("invalid window [%g, %g)", start, end)
	}
	files, err := c.LocateStrain(ctx, detector, start, end, sampleRate)
	if err != nil {
		return types.Strain{}, err
	}
	plan, err := planDownloads(files, start, end)
	if err != nil {
		return types.Strain{}, fmt.Errorf("%s [%g, %g): %w", detector, start, end, err)
	}

	segStart := plan[0].GPSStart
	var samples []float64
	for _, f := range plan {
		fileStart, data, err := c.downloadStrainFile(ctx, f)
		if err != nil {
			return types.Strain{}, err
		}
		expectedStart := segStart + float64(len(samples))/float64(sampleRate)
		if math.Abs(fileStart-expectedStart) > 0.5/float64(sampleRate) {
			return types.Strain{}, fmt.Errorf("%s: file %s starts at %g, expected %g: %w",
				detector, f.URL, fileStart, expectedStart, ErrNoStrainData)
		}
		samples = append(samples, data...)
	}

	n := int(math.Round((end - start) * float64(sampleRate)))
	i0 := int(math.Round((start - segStart) * float64(sampleRate)))
	if i0 < 0 || i0+n > len(samples) {
		return types.Strain{}, fmt.Errorf("%s [%g, %g): downloaded %d samples from %g: %w",
			detector, start, end, len(samples), segStart, ErrNoStrainData)
	}

	window := make([]float64, n)
	copy(window, samples[i0:i0+n])
	c.logger.Info().
		Str("detector", detector).
		Float64("start", start).
		Float64("end", end).
		Int("sample_rate", sampleRate).
		Int("files", len(plan)).
		Msg("Fetched open strain data.")

	return types.Strain{
		Detector:   detector,
		T0:         segStart + float64(i0)/float64(sampleRate),
		SampleRate: sampleRate,
		Samples:    window,
	}, nil
}

// planDownloads picks the files to download for [start, end). A single
// covering file is preferred, the shortest one if several qualify; otherwise
// a contiguous run of files is stitched together.
func planDownloads(files []StrainFile, start, end float64) ([]StrainFile, error) {
	if len(files) == 0 {
		return nil, ErrNoStrainData
	}
	var best *StrainFile
	for i := range files {
		f := files[i]
		if f.covers(start, end) && (best == nil || f.Duration < best.Duration) {
			best = &files[i]
		}
	}
	if best != nil {
		return []StrainFile{*best}, nil
	}

	var plan []StrainFile
	cursor := start
	for _, f := range files {
		if f.End() <= cursor {
			continue
		}
		if f.GPSStart > cursor {
			break
		}
		// Files in the run must abut; an overlapping file would duplicate samples.
		if len(plan) > 0 && f.GPSStart != plan[len(plan)-1].End() {
			continue
		}
		plan = append(plan, f)
		cursor = f.End()
		if cursor >= end {
			return plan, nil
		}
	}
	return nil, ErrNoStrainData
}

// downloadStrainFile fetches and parses one txt strain file, returning the GPS
// time of its first sample and the samples.
func (c *Client) downloadStrainFile(ctx context.Context, f StrainFile) (float64, []float64, error) {
	body, err := c.get(ctx, f.URL)
	if err != nil {
		return 0, nil, fmt.Errorf("downloading strain file: %w", err)
	}
	defer func() { _ = body.Close() }()

	fileStart, samples, err := ParseStrainText(body, f.GPSStart)
	if err != nil {
		return 0, nil, fmt.Errorf("parsing strain file %s: %w", f.URL, err)
	}
	c.logger.Debug().Str("url", f.URL).Int("samples", len(samples)).Msg("Parsed strain file.")
	return fileStart, samples, nil
}

// ParseStrainText reads a txt strain file, gzip compressed or not. A header
// line of the form "# starting GPS <t> duration <d>" overrides defaultStart.
func ParseStrainText(r io.Reader, defaultStart float64) (float64, []float64, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err == nil && bytes.Equal(magic, []byte{0x1f, 0x8b}) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return 0, nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	} else {
		r = br
	}

	start := defaultStart
	var samples []float64
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			if t, ok := parseStartHeader(text); ok {
				start = t
			}
			continue
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return 0, nil, fmt.Errorf("line %d: %w", line, err)
		}
		samples = append(samples, v)
	}
	if err := scanner.Err(); err != nil {
		return 0, nil, fmt.Errorf("reading strain text: %w", err)
	}
	if len(samples) == 0 {
		return 0, nil, ErrNoStrainData
	}
	return start, samples, nil
}

// parseStartHeader extracts t from "# starting GPS <t> duration <d>".
func parseStartHeader(line string) (float64, bool) {
	fields := strings.Fields(strings.TrimPrefix(line, "#"))
	for i := 0; i+2 < len(fields); i++ {
		if strings.EqualFold(fields[i], "starting") && strings.EqualFold(fields[i+1], "GPS") {
			t, err := strconv.ParseFloat(fields[i+2], 64)
			return t, err == nil
		}
	}
	return 0, false
}
