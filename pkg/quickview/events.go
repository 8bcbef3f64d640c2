package quickview

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/illmade-knight/go-gwquickview/pkg/cache"
	"github.com/illmade-knight/go-gwquickview/pkg/gwosc"
	"github.com/illmade-knight/go-gwquickview/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// EventPrefix is the naming prefix of confident catalogued events.
	EventPrefix = "GW"
	// EventsScope is the memoization key of the full event list.
	EventsScope = "events"

	defaultLookupConcurrency = 8
)

// CatalogSource is the part of the open-data provider that serves the
// event catalog.
type CatalogSource interface {
	ListDatasets(ctx context.Context, datasetType string) ([]string, error)
	FetchEventJSON(ctx context.Context, name string) (gwosc.EventJSON, error)
}

// EventListSource builds the event list from the catalog. It is the end of the
// event list cache chain.
type EventListSource struct {
	catalog     CatalogSource
	concurrency int
	logger      zerolog.Logger
}

// NewEventListSource creates an EventListSource. concurrency bounds the number
// of per-event lookups in flight; values below 1 use a default.
func NewEventListSource(catalog CatalogSource, concurrency int, logger zerolog.Logger) *EventListSource {
	if concurrency < 1 {
		concurrency = defaultLookupConcurrency
	}
	return &EventListSource{
		catalog:     catalog,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "EventListSource").Logger(),
	}
}

// Fetch enumerates the event datasets, resolves each to its common name and
// returns the sorted, unique names starting with EventPrefix. Failing
// per-event lookups are skipped; only a failed enumeration is an error.
func (s *EventListSource) Fetch(ctx context.Context, _ string) ([]string, error) {
	ids, err := s.catalog.ListDatasets(ctx, gwosc.DatasetTypeEvents)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		names   = make(map[string]struct{})
		skipped int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			name, err := s.commonName(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				skipped++
				s.logger.Warn().Err(err).Str("dataset", id).Msg("Skipping event with failed metadata lookup.")
				return nil
			}
			if strings.HasPrefix(name, EventPrefix) {
				names[name] = struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	list := make([]string, 0, len(names))
	for name := range names {
		list = append(list, name)
	}
	sort.Strings(list)
	s.logger.Info().Int("datasets", len(ids)).Int("events", len(list)).Int("skipped", skipped).Msg("Built event list.")
	return list, nil
}

func (s *EventListSource) commonName(ctx context.Context, id string) (string, error) {
	ev, err := s.catalog.FetchEventJSON(ctx, id)
	if err != nil {
		return "", err
	}
	if d, ok := ev.Events[id]; ok {
		return d.CommonName, nil
	}
	if _, d, ok := ev.Latest(); ok {
		return d.CommonName, nil
	}
	return "", fmt.Errorf("event %s missing from response", id)
}

// Close is a no-op.
func (s *EventListSource) Close() error {
	return nil
}

// EventLister returns the memoized event list.
type EventLister struct {
	chain cache.Fetcher[string, []string]
}

// NewEventLister creates an EventLister reading through chain.
func NewEventLister(chain cache.Fetcher[string, []string]) *EventLister {
	return &EventLister{chain: chain}
}

// List returns the sorted, deduplicated event names. The returned slice is
// shared with the cache and must not be modified.
func (l *EventLister) List(ctx context.Context) ([]string, error) {
	list, err := l.chain.Fetch(ctx, EventsScope)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	return list, nil
}

// Close closes the cache chain.
func (l *EventLister) Close() error {
	return l.chain.Close()
}

// EventInfoSource resolves an event name to its GPS time, detectors and
// catalog parameters. It is the end of the event info cache chain.
type EventInfoSource struct {
	catalog CatalogSource
}

// NewEventInfoSource creates an EventInfoSource.
func NewEventInfoSource(catalog CatalogSource) *EventInfoSource {
	return &EventInfoSource{catalog: catalog}
}

// Fetch looks up the newest catalog version of the named event.
func (s *EventInfoSource) Fetch(ctx context.Context, name string) (types.EventInfo, error) {
	ev, err := s.catalog.FetchEventJSON(ctx, name)
	if err != nil {
		return types.EventInfo{}, err
	}
	_, d, ok := ev.Latest()
	if !ok {
		return types.EventInfo{}, fmt.Errorf("event %s: no catalog entry", name)
	}
	info := types.EventInfo{
		Name:       d.CommonName,
		GPS:        d.GPS,
		Detectors:  d.Detectors(),
		Parameters: d.Parameters(),
	}
	if info.Name == "" {
		info.Name = name
	}
	return info, nil
}

// Close is a no-op.
func (s *EventInfoSource) Close() error {
	return nil
}

// EventInfoFetcher returns memoized event info.
type EventInfoFetcher struct {
	chain cache.Fetcher[string, types.EventInfo]
}

// NewEventInfoFetcher creates an EventInfoFetcher reading through chain.
func NewEventInfoFetcher(chain cache.Fetcher[string, types.EventInfo]) *EventInfoFetcher {
	return &EventInfoFetcher{chain: chain}
}

// Info returns the GPS time, detectors and parameters of the named event.
func (f *EventInfoFetcher) Info(ctx context.Context, name string) (types.EventInfo, error) {
	info, err := f.chain.Fetch(ctx, name)
	if err != nil {
		return types.EventInfo{}, fmt.Errorf("event info %s: %w", name, err)
	}
	return info, nil
}

// Close closes the cache chain.
func (f *EventInfoFetcher) Close() error {
	return f.chain.Close()
}
