package enrichment

import (
	"context"
	"fmt"
	"strconv"

	"github.com/illmade-knight/go-gwquickview/pkg/types"
	"github.com/rs/zerolog"
)

// EventPageURL is the public catalog page of an event; the event name is
// appended.
const EventPageURL = "https://gw-osc.org/eventapi/html/event/"

// SolarMass is the unit shown for source-frame masses.
const SolarMass = "M☉"

// Fetcher is a generic function type for fetching data by a key.
// This is the dependency contract for the NewEnricherFunc factory.
type Fetcher[K any, V any] func(ctx context.Context, key K) (V, error)

// ViewEnricher fills in an EventView in-place. skip reports that the view was
// left un-enriched; err is reserved for misuse and is nil for fetch failures.
type ViewEnricher func(ctx context.Context, view *types.EventView) (skip bool, err error)

// KeyExtractor defines a function to get an enrichment key from a view.
type KeyExtractor[K comparable] func(view *types.EventView) (K, bool)

// Applier defines a function to apply fetched data to a view.
type Applier[V any] func(view *types.EventView, data V)

// NewEnricherFunc is a factory that creates and returns a ViewEnricher.
// A failed fetch is logged and the view is returned untouched, so a broken
// metadata lookup never breaks the page around it.
func NewEnricherFunc[K comparable, V any](
	fetcher Fetcher[K, V],
	keyEx KeyExtractor[K],
	applier Applier[V],
	logger zerolog.Logger,
) (ViewEnricher, error) {
	if fetcher == nil || keyEx == nil || applier == nil {
		return nil, fmt.Errorf("fetcher, keyExtractor, and applier cannot be nil")
	}

	enrichLogger := logger.With().Str("component", "EnricherFunc").Logger()

	return func(ctx context.Context, view *types.EventView) (bool, error) {
		if view == nil {
			return true, fmt.Errorf("cannot enrich a nil view")
		}
		key, ok := keyEx(view)
		if !ok {
			enrichLogger.Debug().Msg("No enrichment key in view, skipping enrichment.")
			return true, nil
		}

		data, err := fetcher(ctx, key)
		if err != nil {
			enrichLogger.Warn().Err(err).Msgf("Failed to fetch enrichment data for key '%v'", key)
			return true, nil
		}

		applier(view, data)
		enrichLogger.Debug().Str("event", view.Name).Int("fields", len(view.Details)).Msg("Event view enriched.")
		return false, nil
	}, nil
}

// EventNameKey uses the view's event name as the enrichment key.
func EventNameKey(view *types.EventView) (string, bool) {
	return view.Name, view.Name != ""
}

// ApplyEventDetails adds the source masses, the network SNR and the event page
// link. Parameters the catalog does not report are left out.
func ApplyEventDetails(view *types.EventView, info types.EventInfo) {
	if m, ok := info.Parameters["mass_1_source"]; ok {
		view.Details = append(view.Details, types.DetailField{Label: "Mass 1", Value: formatMass(m), Unit: SolarMass})
	}
	if m, ok := info.Parameters["mass_2_source"]; ok {
		view.Details = append(view.Details, types.DetailField{Label: "Mass 2", Value: formatMass(m), Unit: SolarMass})
	}
	if snr, ok := info.Parameters["network_matched_filter_snr"]; ok {
		// Truncated toward zero, as int() would.
		view.Details = append(view.Details, types.DetailField{Label: "Network SNR", Value: strconv.Itoa(int(snr))})
	}
	view.Details = append(view.Details, types.DetailField{
		Label: "Event page",
		Value: EventPageURL + view.Name,
		Link:  true,
	})
}

func formatMass(m float64) string {
	return strconv.FormatFloat(m, 'f', -1, 64)
}

// NewEventDetailsEnricher wires ApplyEventDetails to an event info lookup.
func NewEventDetailsEnricher(
	info func(ctx context.Context, name string) (types.EventInfo, error),
	logger zerolog.Logger,
) (ViewEnricher, error) {
	if info == nil {
		return nil, fmt.Errorf("event info lookup cannot be nil")
	}
	return NewEnricherFunc[string, types.EventInfo](info, EventNameKey, ApplyEventDetails, logger)
}
