package dashboard

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/illmade-knight/go-gwquickview/pkg/quickview"
	"github.com/illmade-knight/go-gwquickview/pkg/types"
)

type pageData struct {
	Title          string
	Modes          []string
	Categories     []string
	ShowCategories bool
	Selection      Selection
	Events         []string
	Detectors      []string
	View           *types.EventView
	SampleRate     int
	MaxBand        int
	Error          string
	PlotError      string
	Plot           template.HTML
}

// handlePage renders the dashboard for the caller's session, applying any
// submitted sidebar selection first.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, sel := s.loadSession(w, r)
	sel = sel.merge(r.URL.Query())

	data := pageData{
		Title:      PageTitle,
		Modes:      Modes,
		Categories: Categories,
		Detectors:  []string{"H1", "L1", "V1"},
		SampleRate: quickview.DefaultSampleRate,
	}
	if sel.FullRate {
		data.SampleRate = quickview.FullSampleRate
	}
	data.MaxBand = quickview.MaxBand(data.SampleRate)
	status := http.StatusOK

	if sel.Mode == ModeByCategory {
		// Categories are listed for browsing only; no data is plotted.
		data.ShowCategories = true
		sel.Detector = pick(data.Detectors, sel.Detector)
	} else {
		s.fillEvent(r, &data, &sel, &status)
	}

	data.Selection = sel
	s.saveSession(ctx, id, sel)

	var buf bytes.Buffer
	if err := s.page.Execute(&buf, data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render page.")
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// fillEvent resolves the selected event, its panel and its plot. A failed
// event list is a page-level error; a failed strain load only replaces the
// plot.
func (s *Server) fillEvent(r *http.Request, data *pageData, sel *Selection, status *int) {
	ctx := r.Context()
	events, err := s.deps.Events.List(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list events.")
		data.Error = "Could not load the event list: " + err.Error()
		*status = statusFor(err)
		return
	}
	data.Events = events
	if len(events) == 0 {
		data.Error = "No events available."
		return
	}
	sel.Event = pick(events, sel.Event)

	info, err := s.deps.Info.Info(ctx, sel.Event)
	if err != nil {
		s.logger.Error().Err(err).Str("event", sel.Event).Msg("Failed to look up event.")
		data.Error = "Could not look up " + sel.Event + ": " + err.Error()
		*status = statusFor(err)
		return
	}
	if len(info.Detectors) > 0 {
		data.Detectors = info.Detectors
	}
	sel.Detector = pick(data.Detectors, sel.Detector)
	view := s.eventView(ctx, info)
	data.View = &view

	strain, err := s.deps.Strain.Load(ctx, info.GPS, sel.Detector, data.SampleRate)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", sel.Event).Str("detector", sel.Detector).Msg("Failed to load strain for plot.")
		data.PlotError = "No plot: " + err.Error()
		return
	}
	// PlotSVG escapes every interpolated string.
	data.Plot = template.HTML(PlotSVG(strain, info.GPS, PlotOptions{
		MaxPoints: s.maxPoints,
		Title:     plotTitle(sel.Event, sel.Detector),
	}))
}

// pick returns want if it is in options, otherwise the first option.
func pick(options []string, want string) string {
	if contains(options, want) || len(options) == 0 {
		return want
	}
	return options[0]
}
