package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string        `yaml:"project_id"`
	CollectionName string        `yaml:"collection"`
	CacheTTL       time.Duration `yaml:"ttl"`
}

// firestoreDoc is the stored document shape. StoredAt is checked on read
// because Firestore TTL policies delete documents lazily.
type firestoreDoc[V any] struct {
	Value    V         `firestore:"value"`
	StoredAt time.Time `firestore:"storedAt"`
}

// FirestoreStore is a generic cache layer backed by a Firestore collection.
// It suits the small catalog lookups (event lists, event info); strain series
// exceed Firestore's document size limit and belong in memory or Redis.
// It implements Cache and can be configured with a fallback Fetcher.
type FirestoreStore[K comparable, V any] struct {
	client         *firestore.Client
	collectionName string
	ttl            time.Duration
	now            func() time.Time
	fallback       Fetcher[K, V]
	logger         zerolog.Logger
}

// NewFirestoreStore creates a new generic FirestoreStore. The client's
// lifecycle is managed by the caller.
func NewFirestoreStore[K comparable, V any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
	fallback Fetcher[K, V],
) (*FirestoreStore[K, V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name is required")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	return &FirestoreStore[K, V]{
		client:         client,
		collectionName: cfg.CollectionName,
		ttl:            cfg.CacheTTL,
		now:            time.Now,
		fallback:       fallback,
		logger:         logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

// Fetch retrieves a single document by its key, falling back to the source on
// a miss or a stale document and writing the fresh value back.
func (s *FirestoreStore[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	value, err := s.fetchFromFirestore(ctx, key)
	if err == nil {
		return value, nil
	}
	if status.Code(err) != codes.NotFound && !errors.Is(err, ErrNotFound) {
		return zero, err
	}
	if s.fallback == nil {
		return zero, fmt.Errorf("key '%v': %w and no fallback is configured", key, ErrNotFound)
	}

	sourceValue, err := s.fallback.Fetch(ctx, key)
	if err != nil {
		return zero, err
	}
	if writeErr := s.WriteToCache(ctx, key, sourceValue); writeErr != nil {
		// The caller still gets the value; the next read will retry the write.
		s.logger.Warn().Err(writeErr).Msg("Failed to write back to Firestore.")
	}
	return sourceValue, nil
}

func (s *FirestoreStore[K, V]) fetchFromFirestore(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := docID(key)
	docSnap, err := s.client.Collection(s.collectionName).Doc(stringKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Debug().Str("key", stringKey).Msg("Document not found in Firestore.")
			return zero, err
		}
		s.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to get document from Firestore.")
		return zero, fmt.Errorf("firestore get for %s: %w", stringKey, err)
	}

	var doc firestoreDoc[V]
	if err := docSnap.DataTo(&doc); err != nil {
		s.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to map Firestore document data.")
		return zero, fmt.Errorf("firestore DataTo for %s: %w", stringKey, err)
	}
	if s.ttl > 0 && s.now().Sub(doc.StoredAt) >= s.ttl {
		s.logger.Debug().Str("key", stringKey).Msg("Firestore document is stale.")
		return zero, ErrNotFound
	}

	s.logger.Debug().Str("key", stringKey).Msg("Successfully fetched data from Firestore.")
	return doc.Value, nil
}

// WriteToCache writes the value to Firestore with the current time.
func (s *FirestoreStore[K, V]) WriteToCache(ctx context.Context, key K, value V) error {
	stringKey := docID(key)
	doc := firestoreDoc[V]{Value: value, StoredAt: s.now()}
	if _, err := s.client.Collection(s.collectionName).Doc(stringKey).Set(ctx, doc); err != nil {
		s.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to write document to Firestore.")
		return fmt.Errorf("firestore set for %s: %w", stringKey, err)
	}
	s.logger.Debug().Str("key", stringKey).Msg("Successfully wrote data to Firestore.")
	return nil
}

// Invalidate deletes the document for key.
func (s *FirestoreStore[K, V]) Invalidate(ctx context.Context, key K) error {
	stringKey := docID(key)
	if _, err := s.client.Collection(s.collectionName).Doc(stringKey).Delete(ctx); err != nil {
		return fmt.Errorf("firestore delete for %s: %w", stringKey, err)
	}
	return nil
}

// Close closes the fallback chain. The Firestore client is not closed as its
// lifecycle is managed externally.
func (s *FirestoreStore[K, V]) Close() error {
	if s.fallback != nil {
		return s.fallback.Close()
	}
	return nil
}

// docID renders a key as a Firestore document id, which may not contain '/'.
func docID[K comparable](key K) string {
	return strings.ReplaceAll(fmt.Sprintf("%v", key), "/", "_")
}
