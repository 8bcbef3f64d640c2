package types

// EventInfo is what the dashboard knows about a catalogued event: where it is
// in time, which detectors observed it, and its raw catalog parameters.
type EventInfo struct {
	// Name is the event's common name, e.g. "GW150914".
	Name string `json:"name" firestore:"name"`
	// GPS is the merger time in GPS seconds.
	GPS float64 `json:"gps" firestore:"gps"`
	// Detectors is the sorted list of detectors with open strain data.
	Detectors []string `json:"detectors" firestore:"detectors"`
	// Parameters holds the catalog's numeric parameters keyed by their
	// catalog name, e.g. "mass_1_source".
	Parameters map[string]float64 `json:"parameters,omitempty" firestore:"parameters"`
}

// EventView is the event panel shown beside the plot. Details is filled in by
// enrichment and may stay empty when the metadata lookup fails.
type EventView struct {
	Name    string        `json:"name"`
	GPS     float64       `json:"gps"`
	Details []DetailField `json:"details,omitempty"`
}

// DetailField is one labelled value in the event panel.
type DetailField struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
	// Link marks Value as a URL.
	Link bool `json:"link,omitempty"`
}
