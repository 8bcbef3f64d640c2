package gwosc

import (
	"context"
	"fmt"
	"net/url"
	"sort"
)

// DatasetTypeEvents selects catalogued events in ListDatasets.
const DatasetTypeEvents = "events"

// EventJSON is the envelope returned by the event API. Events is keyed by
// the versioned event id, e.g. "GW150914-v3".
type EventJSON struct {
	Events map[string]EventDetail `json:"events"`
}

// EventDetail is a single catalog entry. Parameters the catalog leaves null
// decode as nil pointers.
type EventDetail struct {
	CommonName         string       `json:"commonName"`
	GPS                float64      `json:"GPS"`
	Version            int          `json:"version"`
	Catalog            string       `json:"catalog.shortName"`
	Mass1Source        *float64     `json:"mass_1_source"`
	Mass2Source        *float64     `json:"mass_2_source"`
	NetworkSNR         *float64     `json:"network_matched_filter_snr"`
	LuminosityDistance *float64     `json:"luminosity_distance"`
	ChirpMassSource    *float64     `json:"chirp_mass_source"`
	FinalMassSource    *float64     `json:"final_mass_source"`
	Redshift           *float64     `json:"redshift"`
	Strain             []StrainFile `json:"strain"`
}

// Parameters returns the non-null numeric parameters keyed by catalog name.
func (d EventDetail) Parameters() map[string]float64 {
	params := make(map[string]float64)
	add := func(name string, v *float64) {
		if v != nil {
			params[name] = *v
		}
	}
	add("mass_1_source", d.Mass1Source)
	add("mass_2_source", d.Mass2Source)
	add("network_matched_filter_snr", d.NetworkSNR)
	add("luminosity_distance", d.LuminosityDistance)
	add("chirp_mass_source", d.ChirpMassSource)
	add("final_mass_source", d.FinalMassSource)
	add("redshift", d.Redshift)
	return params
}

// Detectors returns the sorted, unique detectors that have strain files for
// the event.
func (d EventDetail) Detectors() []string {
	seen := make(map[string]struct{})
	for _, f := range d.Strain {
		if f.Detector != "" {
			seen[f.Detector] = struct{}{}
		}
	}
	dets := make([]string, 0, len(seen))
	for det := range seen {
		dets = append(dets, det)
	}
	sort.Strings(dets)
	return dets
}

// Latest returns the highest-version entry in the envelope.
func (e EventJSON) Latest() (string, EventDetail, bool) {
	var (
		bestID string
		best   EventDetail
		found  bool
	)
	for id, d := range e.Events {
		if !found || d.Version > best.Version || (d.Version == best.Version && id > bestID) {
			bestID, best, found = id, d, true
		}
	}
	return bestID, best, found
}

// ListDatasets enumerates dataset ids of the given type. Only "events" is
// supported; the ids are returned sorted.
func (c *Client) ListDatasets(ctx context.Context, datasetType string) ([]string, error) {
	if datasetType != DatasetTypeEvents {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDatasetType, datasetType)
	}
	var all EventJSON
	if err := c.getJSON(ctx, c.baseURL+"/eventapi/json/allevents/", &all); err != nil {
		return nil, fmt.Errorf("listing %s datasets: %w", datasetType, err)
	}
	ids := make([]string, 0, len(all.Events))
	for id := range all.Events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	c.logger.Debug().Int("count", len(ids)).Msg("Listed event datasets.")
	return ids, nil
}

// FetchEventJSON retrieves the catalog entry for an event. name may be a
// versioned id ("GW150914-v3") or a common name ("GW150914").
func (c *Client) FetchEventJSON(ctx context.Context, name string) (EventJSON, error) {
	var ev EventJSON
	u := c.baseURL + "/eventapi/json/event/" + url.PathEscape(name) + "/"
	if err := c.getJSON(ctx, u, &ev); err != nil {
		return EventJSON{}, fmt.Errorf("fetching event %s: %w", name, err)
	}
	if len(ev.Events) == 0 {
		return EventJSON{}, fmt.Errorf("fetching event %s: empty response", name)
	}
	return ev, nil
}
