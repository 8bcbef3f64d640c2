package archive_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/illmade-knight/go-gwquickview/pkg/archive"
	"github.com/illmade-knight/go-gwquickview/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- In-memory object store ---

type memWriter struct {
	buf     bytes.Buffer
	meta    archive.ObjectMeta
	closed  bool
	failing bool
}

func (m *memWriter) Write(p []byte) (int, error) {
	if m.failing {
		return 0, errors.New("simulated write failure")
	}
	if m.closed {
		return 0, errors.New("write on closed writer")
	}
	return m.buf.Write(p)
}

func (m *memWriter) Close() error {
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	return nil
}

type memStore struct {
	mu      sync.Mutex
	failing bool
	bucket  string
	objects map[string]*memWriter
}

func newMemStore(failing bool) *memStore {
	return &memStore{failing: failing, objects: make(map[string]*memWriter)}
}

func (m *memStore) Create(_ context.Context, bucket, name string, meta archive.ObjectMeta) io.WriteCloser {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket = bucket
	w := &memWriter{meta: meta, failing: m.failing}
	m.objects[name] = w
	return w
}

func readRecords(t *testing.T, w *memWriter) []archive.Record {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(w.buf.Bytes()))
	require.NoError(t, err)
	content, err := io.ReadAll(gz)
	require.NoError(t, err)

	var records []archive.Record
	for _, line := range bytes.Split(bytes.TrimSpace(content), []byte("\n")) {
		var rec archive.Record
		require.NoError(t, json.Unmarshal(line, &rec))
		records = append(records, rec)
	}
	return records
}

func strain(detector string, t0 float64) types.Strain {
	return types.Strain{Detector: detector, T0: t0, SampleRate: 4, Samples: []float64{1e-21, -2e-21, 3e-21, 0}}
}

func TestStrainArchiver_Archive(t *testing.T) {
	ctx := context.Background()
	cfg := archive.Config{Bucket: "test-bucket", ObjectPrefix: "strain"}

	t.Run("one object per detector", func(t *testing.T) {
		// Arrange
		store := newMemStore(false)
		archiver, err := archive.NewStrainArchiver(store, cfg, zerolog.Nop())
		require.NoError(t, err)

		// Act
		names, err := archiver.Archive(ctx, 1126259462.4, strain("H1", 1126259448.4), strain("L1", 1126259448.4))
		require.NoError(t, err)
		require.NoError(t, archiver.Close())

		// Assert
		assert.Equal(t, "test-bucket", store.bucket)
		require.Len(t, names, 2)
		assert.True(t, strings.HasPrefix(names[0], "strain/H1/1126259462.4/"))
		assert.True(t, strings.HasPrefix(names[1], "strain/L1/1126259462.4/"))
		for _, name := range names {
			assert.True(t, strings.HasSuffix(name, ".jsonl.gz"))
		}

		store.mu.Lock()
		defer store.mu.Unlock()
		require.Len(t, store.objects, 2)
		h1 := store.objects[names[0]]
		assert.True(t, h1.closed, "writer must be closed to finalize the object")
		assert.Equal(t, "application/gzip", h1.meta.ContentType)
		assert.Equal(t, "H1", h1.meta.Labels["detector"])
		assert.Equal(t, "1126259462.4", h1.meta.Labels["event_gps"])
		records := readRecords(t, h1)
		require.Len(t, records, 1)
		assert.Equal(t, "H1", records[0].Detector)
		assert.InDelta(t, 1126259462.4, records[0].EventGPS, 1e-6)
		assert.Equal(t, []float64{1e-21, -2e-21, 3e-21, 0}, records[0].Samples)
	})

	t.Run("same detector and time share an object", func(t *testing.T) {
		// Arrange
		store := newMemStore(false)
		archiver, err := archive.NewStrainArchiver(store, cfg, zerolog.Nop())
		require.NoError(t, err)

		// Act
		names, err := archiver.Archive(ctx, 1126259462.4, strain("H1", 1126259448.4), strain("H1", 1126259448.4))

		// Assert
		require.NoError(t, err)
		require.Len(t, names, 1)
		store.mu.Lock()
		defer store.mu.Unlock()
		assert.Len(t, readRecords(t, store.objects[names[0]]), 2)
	})

	t.Run("empty input uploads nothing", func(t *testing.T) {
		// Arrange
		store := newMemStore(false)
		archiver, err := archive.NewStrainArchiver(store, cfg, zerolog.Nop())
		require.NoError(t, err)

		// Act
		names, err := archiver.Archive(ctx, 1126259462.4, types.Strain{Detector: "H1"})

		// Assert
		require.NoError(t, err)
		assert.Empty(t, names)
		assert.Empty(t, store.objects)
	})

	t.Run("upload failures are combined", func(t *testing.T) {
		// Arrange
		store := newMemStore(true)
		archiver, err := archive.NewStrainArchiver(store, cfg, zerolog.Nop())
		require.NoError(t, err)

		// Act
		names, err := archiver.Archive(ctx, 1126259462.4, strain("H1", 1126259448.4), strain("L1", 1126259448.4))

		// Assert
		require.Error(t, err)
		assert.Empty(t, names)
		assert.Contains(t, err.Error(), "strain/H1/")
		assert.Contains(t, err.Error(), "strain/L1/")
	})
}

func TestNewStrainArchiver_Validation(t *testing.T) {
	_, err := archive.NewStrainArchiver(nil, archive.Config{Bucket: "b"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = archive.NewStrainArchiver(newMemStore(false), archive.Config{}, zerolog.Nop())
	assert.Error(t, err)
}
