package archive

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// ObjectMeta describes an archive object at creation time.
type ObjectMeta struct {
	ContentType string
	Labels      map[string]string
}

// ObjectStore opens writers for new objects. Closing the writer finalizes
// the object; an error from Close means it was not stored.
type ObjectStore interface {
	Create(ctx context.Context, bucket, name string, meta ObjectMeta) io.WriteCloser
}

// gcsStore writes objects with a *storage.Client.
type gcsStore struct {
	client *storage.Client
}

// NewGCSStore returns an ObjectStore backed by Cloud Storage.
func NewGCSStore(client *storage.Client) ObjectStore {
	if client == nil {
		return nil
	}
	return &gcsStore{client: client}
}

func (s *gcsStore) Create(ctx context.Context, bucket, name string, meta ObjectMeta) io.WriteCloser {
	w := s.client.Bucket(bucket).Object(name).NewWriter(ctx)
	w.ContentType = meta.ContentType
	w.Metadata = meta.Labels
	return w
}
