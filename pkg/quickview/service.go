package quickview

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-gwquickview/pkg/cache"
	"github.com/illmade-knight/go-gwquickview/pkg/types"
	"github.com/rs/zerolog"
)

// Second-tier backends for the memo caches.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// DefaultMemoConfig is the policy both fetchers use unless configured: one
// hour, ten entries, with concurrent misses coalesced.
var DefaultMemoConfig = cache.MemoConfig{TTL: time.Hour, MaxEntries: 10, Coalesce: true}

// CacheConfig configures the fetchers' cache chains.
type CacheConfig struct {
	Strain  cache.MemoConfig `yaml:"strain"`
	Events  cache.MemoConfig `yaml:"events"`
	Backend string           `yaml:"backend"`
	// LookupConcurrency bounds per-event catalog lookups when building the
	// event list.
	LookupConcurrency int `yaml:"lookup_concurrency"`
}

// Provider is everything the fetchers need from the open-data service.
type Provider interface {
	StrainSource
	CatalogSource
}

// Tiers carries the connections for the optional second-tier caches. Only
// the one selected by CacheConfig.Backend is used.
type Tiers struct {
	Redis           *cache.RedisConfig
	Firestore       *firestore.Client
	FirestoreConfig *cache.FirestoreConfig
}

// Fetchers bundles the three memoized fetchers, built once at process start
// and shared by every session.
type Fetchers struct {
	Strain *StrainFetcher
	Events *EventLister
	Info   *EventInfoFetcher

	strainMemo *cache.MemoCache[StrainKey, types.Strain]
	eventsMemo *cache.MemoCache[string, []string]
	infoMemo   *cache.MemoCache[string, types.EventInfo]
	logger     zerolog.Logger
}

// NewFetchers wires a memo cache in front of each provider call, with the
// configured second tier between them.
func NewFetchers(
	ctx context.Context,
	cfg CacheConfig,
	provider Provider,
	tiers Tiers,
	logger zerolog.Logger,
	opts ...cache.Option,
) (*Fetchers, error) {
	if provider == nil {
		return nil, errors.New("provider cannot be nil")
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendMemory
	}

	var strainSrc cache.Fetcher[StrainKey, types.Strain] = NewStrainSourceFetcher(provider)
	var eventsSrc cache.Fetcher[string, []string] = NewEventListSource(provider, cfg.LookupConcurrency, logger)
	var infoSrc cache.Fetcher[string, types.EventInfo] = NewEventInfoSource(provider)

	switch cfg.Backend {
	case BackendMemory:
	case BackendRedis:
		if tiers.Redis == nil || tiers.Redis.Addr == "" {
			return nil, errors.New("redis backend selected but no redis address configured")
		}
		var err error
		if strainSrc, err = cache.NewRedisCache[StrainKey, types.Strain](ctx, tiers.Redis, "strain", logger, strainSrc); err != nil {
			return nil, err
		}
		if eventsSrc, err = cache.NewRedisCache[string, []string](ctx, tiers.Redis, "events", logger, eventsSrc); err != nil {
			_ = strainSrc.Close()
			return nil, err
		}
		if infoSrc, err = cache.NewRedisCache[string, types.EventInfo](ctx, tiers.Redis, "eventinfo", logger, infoSrc); err != nil {
			_ = strainSrc.Close()
			_ = eventsSrc.Close()
			return nil, err
		}
	case BackendFirestore:
		if tiers.Firestore == nil || tiers.FirestoreConfig == nil {
			return nil, errors.New("firestore backend selected but no firestore client configured")
		}
		// Strain windows exceed the document size limit, so only the catalog
		// lookups get the Firestore tier.
		logger.Warn().Msg("Firestore backend does not cache strain; strain stays in memory only.")
		eventsCfg := *tiers.FirestoreConfig
		eventsCfg.CollectionName += "-events"
		infoCfg := *tiers.FirestoreConfig
		infoCfg.CollectionName += "-eventinfo"
		var err error
		if eventsSrc, err = cache.NewFirestoreStore[string, []string](&eventsCfg, tiers.Firestore, logger, eventsSrc); err != nil {
			return nil, err
		}
		if infoSrc, err = cache.NewFirestoreStore[string, types.EventInfo](&infoCfg, tiers.Firestore, logger, infoSrc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}

	f := &Fetchers{logger: logger.With().Str("component", "Fetchers").Logger()}
	var err error
	if f.strainMemo, err = cache.NewMemoCache[StrainKey, types.Strain](cfg.Strain, strainSrc, logger, opts...); err != nil {
		return nil, fmt.Errorf("strain cache: %w", err)
	}
	if f.eventsMemo, err = cache.NewMemoCache[string, []string](cfg.Events, eventsSrc, logger, opts...); err != nil {
		return nil, fmt.Errorf("event list cache: %w", err)
	}
	if f.infoMemo, err = cache.NewMemoCache[string, types.EventInfo](cfg.Events, infoSrc, logger, opts...); err != nil {
		return nil, fmt.Errorf("event info cache: %w", err)
	}

	f.Strain = NewStrainFetcher(f.strainMemo, logger)
	f.Events = NewEventLister(f.eventsMemo)
	f.Info = NewEventInfoFetcher(f.infoMemo)
	f.logger.Info().
		Str("backend", cfg.Backend).
		Dur("strain_ttl", cfg.Strain.TTL).
		Int("strain_max_entries", cfg.Strain.MaxEntries).
		Dur("events_ttl", cfg.Events.TTL).
		Int("events_max_entries", cfg.Events.MaxEntries).
		Msg("Fetchers initialized.")
	return f, nil
}

// Stats returns the memo cache counters keyed by fetcher name.
func (f *Fetchers) Stats() map[string]cache.Stats {
	return map[string]cache.Stats{
		"strain":    f.strainMemo.Stats(),
		"events":    f.eventsMemo.Stats(),
		"eventinfo": f.infoMemo.Stats(),
	}
}

// Close closes every cache chain, returning the first error.
func (f *Fetchers) Close() error {
	var errs []error
	for _, c := range []interface{ Close() error }{f.Strain, f.Events, f.Info} {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		f.logger.Error().Errs("errors", errs).Msg("Errors closing fetchers.")
		return errs[0]
	}
	return nil
}
