// Package dashboard serves the quick-view web page and its JSON API: the
// event list, event details, strain windows and their plots.
package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"math"
	"net/http"
	"strconv"

	"github.com/illmade-knight/go-gwquickview/pkg/cache"
	"github.com/illmade-knight/go-gwquickview/pkg/enrichment"
	"github.com/illmade-knight/go-gwquickview/pkg/gwosc"
	"github.com/illmade-knight/go-gwquickview/pkg/quickview"
	"github.com/illmade-knight/go-gwquickview/pkg/types"
	"github.com/rs/zerolog"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// PageTitle is the browser title of the dashboard.
const PageTitle = "GW Quickview"

// StrainLoader loads the strain window around a reference time.
type StrainLoader interface {
	Load(ctx context.Context, gps float64, detector string, sampleRate int) (types.Strain, error)
}

// EventLister lists catalogued event names.
type EventLister interface {
	List(ctx context.Context) ([]string, error)
}

// EventInfoLookup resolves an event name to its time and detectors.
type EventInfoLookup interface {
	Info(ctx context.Context, name string) (types.EventInfo, error)
}

// Archiver uploads strain windows to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, eventGPS float64, strains ...types.Strain) ([]string, error)
}

// StatsSource reports memo cache counters.
type StatsSource interface {
	Stats() map[string]cache.Stats
}

// Deps are the collaborators behind the routes. Archiver and Enrich are
// optional.
type Deps struct {
	Strain   StrainLoader
	Events   EventLister
	Info     EventInfoLookup
	Enrich   enrichment.ViewEnricher
	Archiver Archiver
	Stats    StatsSource
	Sessions SessionStore
}

// Config holds the server settings.
type Config struct {
	HTTPPort  string
	MaxPoints int
}

// Server is the dashboard HTTP service.
type Server struct {
	front     *frontend
	deps      Deps
	sessions  SessionStore
	maxPoints int
	page      *template.Template
	logger    zerolog.Logger
}

// NewServer creates the dashboard and registers its routes.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) (*Server, error) {
	if deps.Strain == nil || deps.Events == nil || deps.Info == nil {
		return nil, errors.New("strain, events and info dependencies are required")
	}
	if deps.Sessions == nil {
		deps.Sessions = cache.NewInMemorySessionStore[string, Selection](0)
	}
	if cfg.MaxPoints < 2 {
		cfg.MaxPoints = 4000
	}
	page, err := template.ParseFS(templateFS, "templates/index.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing page template: %w", err)
	}

	s := &Server{
		front:      newFrontend(logger, cfg.HTTPPort),
		deps:       deps,
		sessions:   deps.Sessions,
		maxPoints:  cfg.MaxPoints,
		page:       page,
		logger:     logger.With().Str("component", "Dashboard").Logger(),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	mux := s.front.mux
	mux.HandleFunc("GET /{$}", s.handlePage)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/events/{name}", s.handleEvent)
	mux.HandleFunc("GET /api/strain", s.handleStrain)
	mux.HandleFunc("GET /api/strain.svg", s.handleStrainSVG)
	mux.HandleFunc("POST /api/strain/archive", s.handleArchive)
	mux.HandleFunc("GET /api/cache/stats", s.handleStats)
}

// Start begins serving.
func (s *Server) Start(_ context.Context) error {
	s.logger.Info().Msg("Starting dashboard...")
	return s.front.start()
}

// Shutdown stops the HTTP server, waits for archive uploads and closes the
// session store.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.front.stop(ctx)
	if c, ok := s.deps.Archiver.(interface{ Close() error }); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if cerr := s.sessions.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.front.handler
}

// GetHTTPPort returns the port the dashboard is bound to.
func (s *Server) GetHTTPPort() string {
	return s.front.port()
}

// strainRequest is a parsed strain query.
type strainRequest struct {
	event      string
	gps        float64
	detector   string
	sampleRate int
}

// parseStrainRequest reads gps= or event=, detector= and fullrate= from the
// query. An event name is resolved to its GPS time; without a detector the
// event's first detector is used, or H1 when only a time is given.
func (s *Server) parseStrainRequest(r *http.Request) (strainRequest, int, error) {
	q := r.URL.Query()
	req := strainRequest{
		event:      q.Get("event"),
		detector:   q.Get("detector"),
		sampleRate: quickview.DefaultSampleRate,
	}
	if fr := q.Get("fullrate"); fr != "" {
		full, err := strconv.ParseBool(fr)
		if err != nil {
			return req, http.StatusBadRequest, fmt.Errorf("invalid fullrate %q", fr)
		}
		if full {
			req.sampleRate = quickview.FullSampleRate
		}
	}

	switch {
	case q.Get("gps") != "":
		gps, err := strconv.ParseFloat(q.Get("gps"), 64)
		if err != nil || math.IsNaN(gps) || math.IsInf(gps, 0) {
			return req, http.StatusBadRequest, fmt.Errorf("invalid gps %q", q.Get("gps"))
		}
		req.gps = gps
	case req.event != "":
		info, err := s.deps.Info.Info(r.Context(), req.event)
		if err != nil {
			return req, statusFor(err), err
		}
		req.gps = info.GPS
		if req.detector == "" && len(info.Detectors) > 0 {
			req.detector = info.Detectors[0]
		}
	default:
		return req, http.StatusBadRequest, errors.New("either gps or event is required")
	}
	if req.detector == "" {
		req.detector = "H1"
	}
	return req, 0, nil
}

func (s *Server) loadStrain(w http.ResponseWriter, r *http.Request) (strainRequest, types.Strain, bool) {
	req, status, err := s.parseStrainRequest(r)
	if err != nil {
		writeError(w, status, err)
		return req, types.Strain{}, false
	}
	strain, err := s.deps.Strain.Load(r.Context(), req.gps, req.detector, req.sampleRate)
	if err != nil {
		writeError(w, statusFor(err), err)
		return req, types.Strain{}, false
	}
	return req, strain, true
}

type strainResponse struct {
	Event      string    `json:"event,omitempty"`
	EventGPS   float64   `json:"eventGps"`
	Detector   string    `json:"detector"`
	T0         float64   `json:"t0"`
	SampleRate int       `json:"sampleRate"`
	MaxBand    int       `json:"maxBand"`
	Samples    int       `json:"samples"`
	Times      []float64 `json:"times"`
	Values     []float64 `json:"values"`
}

func (s *Server) handleStrain(w http.ResponseWriter, r *http.Request) {
	req, strain, ok := s.loadStrain(w, r)
	if !ok {
		return
	}
	maxPoints := s.maxPoints
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		n, err := strconv.Atoi(mp)
		if err != nil || n < 2 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid max_points %q", mp))
			return
		}
		maxPoints = min(n, s.maxPoints)
	}

	idx := Decimate(strain.Samples, maxPoints)
	resp := strainResponse{
		Event:      req.event,
		EventGPS:   req.gps,
		Detector:   strain.Detector,
		T0:         strain.T0,
		SampleRate: strain.SampleRate,
		MaxBand:    quickview.MaxBand(req.sampleRate),
		Samples:    len(strain.Samples),
		Times:      make([]float64, len(idx)),
		Values:     make([]float64, len(idx)),
	}
	for i, j := range idx {
		resp.Times[i] = strain.TimeAt(j) - req.gps
		resp.Values[i] = strain.Samples[j]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStrainSVG(w http.ResponseWriter, r *http.Request) {
	req, strain, ok := s.loadStrain(w, r)
	if !ok {
		return
	}
	svg := PlotSVG(strain, req.gps, PlotOptions{MaxPoints: s.maxPoints, Title: plotTitle(req.event, strain.Detector)})
	w.Header().Set("Content-Type", "image/svg+xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(svg))
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archiver == nil {
		writeError(w, http.StatusNotFound, errors.New("archiving is not configured"))
		return
	}
	req, strain, ok := s.loadStrain(w, r)
	if !ok {
		return
	}
	objects, err := s.deps.Archiver.Archive(r.Context(), req.gps, strain)
	if err != nil {
		s.logger.Error().Err(err).Str("detector", req.detector).Float64("gps", req.gps).Msg("Archive upload failed.")
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"objects": objects})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Events.List(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"events": events})
}

type eventResponse struct {
	Info types.EventInfo `json:"info"`
	View types.EventView `json:"view"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	info, err := s.deps.Info.Info(r.Context(), name)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	view := s.eventView(r.Context(), info)
	writeJSON(w, http.StatusOK, eventResponse{Info: info, View: view})
}

// eventView builds the event panel; enrichment failures leave it bare.
func (s *Server) eventView(ctx context.Context, info types.EventInfo) types.EventView {
	view := types.EventView{Name: info.Name, GPS: info.GPS}
	if s.deps.Enrich != nil {
		if _, err := s.deps.Enrich(ctx, &view); err != nil {
			s.logger.Warn().Err(err).Str("event", info.Name).Msg("Event view enrichment failed.")
		}
	}
	return view
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Stats == nil {
		writeJSON(w, http.StatusOK, map[string]cache.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Stats.Stats())
}

func plotTitle(event, detector string) string {
	if event == "" {
		return detector + " strain"
	}
	return detector + " strain, " + event
}

// statusFor maps fetch errors to HTTP statuses: bad arguments are the
// caller's fault, missing data is 404, anything else from upstream is 502.
func statusFor(err error) int {
	var apiErr *gwosc.APIError
	switch {
	case errors.Is(err, quickview.ErrUnsupportedDetector), errors.Is(err, quickview.ErrUnsupportedSampleRate),
		errors.Is(err, quickview.ErrInvalidGPS):
		return http.StatusBadRequest
	case errors.Is(err, gwosc.ErrNoStrainData), errors.Is(err, cache.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound:
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
