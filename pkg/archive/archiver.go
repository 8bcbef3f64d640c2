// Package archive exports fetched strain windows to Google Cloud Storage as
// gzipped JSON lines.
package archive

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-gwquickview/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds the archive destination.
type Config struct {
	Bucket       string `yaml:"bucket"`
	ObjectPrefix string `yaml:"object_prefix"`
}

// Record is one archived strain window, written as a single JSON line.
type Record struct {
	Detector   string    `json:"detector"`
	EventGPS   float64   `json:"eventGps"`
	T0         float64   `json:"t0"`
	SampleRate int       `json:"sampleRate"`
	Samples    []float64 `json:"samples"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// BatchKey groups records into objects: one object per detector and
// reference time.
func (r Record) BatchKey() string {
	return path.Join(r.Detector, strconv.FormatFloat(r.EventGPS, 'f', -1, 64))
}

// StrainArchiver uploads strain windows to GCS, one object per batch key.
type StrainArchiver struct {
	store  ObjectStore
	config Config
	now    func() time.Time
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewStrainArchiver creates an archiver writing to cfg.Bucket.
func NewStrainArchiver(store ObjectStore, cfg Config, logger zerolog.Logger) (*StrainArchiver, error) {
	if store == nil {
		return nil, errors.New("object store cannot be nil")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &StrainArchiver{
		store:  store,
		config: cfg,
		now:    time.Now,
		logger: logger.With().Str("component", "StrainArchiver").Logger(),
	}, nil
}

// Archive groups the windows fetched around eventGPS by batch key and uploads
// each group to its own compressed object in parallel. It returns the names of
// the objects written; on failure the errors of all failed groups are
// combined.
func (a *StrainArchiver) Archive(ctx context.Context, eventGPS float64, strains ...types.Strain) ([]string, error) {
	if len(strains) == 0 {
		return nil, nil
	}
	archivedAt := a.now().UTC()
	grouped := make(map[string][]Record)
	for _, s := range strains {
		if s.Detector == "" || len(s.Samples) == 0 {
			continue
		}
		rec := Record{
			Detector:   s.Detector,
			EventGPS:   eventGPS,
			T0:         s.T0,
			SampleRate: s.SampleRate,
			Samples:    s.Samples,
			ArchivedAt: archivedAt,
		}
		grouped[rec.BatchKey()] = append(grouped[rec.BatchKey()], rec)
	}
	if len(grouped) == 0 {
		return nil, nil
	}

	var (
		uploadWg sync.WaitGroup
		mu       sync.Mutex
		names    []string
		errs     []error
	)
	for key, records := range grouped {
		uploadWg.Add(1)
		a.wg.Add(1)
		go func() {
			defer uploadWg.Done()
			defer a.wg.Done()
			name, err := a.uploadGroup(ctx, key, records)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			names = append(names, name)
		}()
	}
	uploadWg.Wait()

	sort.Strings(names)
	return names, errors.Join(errs...)
}

func (a *StrainArchiver) uploadGroup(ctx context.Context, batchKey string, records []Record) (string, error) {
	objectName := path.Join(a.config.ObjectPrefix, batchKey, fmt.Sprintf("%s.jsonl.gz", uuid.New().String()))
	a.logger.Info().Str("object_name", objectName).Int("record_count", len(records)).Msg("Starting strain upload.")

	first := records[0]
	w := a.store.Create(ctx, a.config.Bucket, objectName, ObjectMeta{
		ContentType: "application/gzip",
		Labels: map[string]string{
			"detector":    first.Detector,
			"event_gps":   strconv.FormatFloat(first.EventGPS, 'f', -1, 64),
			"sample_rate": strconv.Itoa(first.SampleRate),
		},
	})
	pr, pw := io.Pipe()

	go func() {
		gz := gzip.NewWriter(pw)
		enc := json.NewEncoder(gz)
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				_ = gz.Close()
				_ = pw.CloseWithError(fmt.Errorf("json encoding failed for %s: %w", objectName, err))
				return
			}
		}
		_ = pw.CloseWithError(gz.Close())
	}()

	bytesWritten, copyErr := io.Copy(w, pr)
	// Unblock the encoder if the copy stopped early.
	_ = pr.CloseWithError(copyErr)
	closeErr := w.Close()

	if copyErr != nil {
		return "", fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, copyErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	a.logger.Info().Str("object_name", objectName).Int64("bytes_written", bytesWritten).Msg("Uploaded strain to GCS.")
	return objectName, nil
}

// Close waits for in-flight uploads to complete.
func (a *StrainArchiver) Close() error {
	a.logger.Info().Msg("Waiting for pending GCS uploads to complete...")
	a.wg.Wait()
	a.logger.Info().Msg("All GCS uploads completed.")
	return nil
}
