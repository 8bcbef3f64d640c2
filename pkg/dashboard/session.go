package dashboard

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-gwquickview/pkg/cache"
)

// SessionCookie carries the session id.
const SessionCookie = "gwqv_session"

// Ways of finding data offered in the sidebar.
const (
	ModeByDate      = "By Date"
	ModeByCategory  = "By Category"
	ModeBySatellite = "By Satellite"
	ModeBySource    = "By Source"
)

// Modes lists the sidebar modes in display order.
var Modes = []string{ModeByDate, ModeByCategory, ModeBySatellite, ModeBySource}

// Categories are the satellite product categories listed in "By Category"
// mode.
var Categories = []string{
	"noaa-goes16/ABI-L1b-RadC",
	"noaa-goes16/ABI-L1b-RadF",
	"noaa-goes16/ABI-L1b-RadM",
	"noaa-goes16/ABI-L2-ACHAC",
	"noaa-goes16/ABI-L2-ACHAF",
	"noaa-goes16/ABI-L2-ACHAM",
	"noaa-goes16/ABI-L2-ACHTF",
	"noaa-goes16/ABI-L2-ACHTM",
	"noaa-goes16/ABI-L2-ACMC",
	"noaa-goes16/ABI-L2-ACMF",
	"noaa-goes16/ABI-L2-ACMM",
	"noaa-goes16/ABI-L2-ACTPC",
	"noaa-goes16/ABI-L2-ACTPF",
	"noaa-goes16/ABI-L2-ACTPM",
}

// Selection is one session's sidebar state.
type Selection struct {
	Mode     string `json:"mode"`
	Category string `json:"category,omitempty"`
	Event    string `json:"event,omitempty"`
	Detector string `json:"detector,omitempty"`
	FullRate bool   `json:"fullRate"`
}

// DefaultSelection is what a new session starts with.
func DefaultSelection() Selection {
	return Selection{Mode: ModeByDate, Category: Categories[0]}
}

// merge applies a submitted sidebar form. Fields missing from the query keep
// their stored value; the checkbox is only read when the form was submitted,
// which always carries mode.
func (s Selection) merge(q url.Values) Selection {
	if !q.Has("mode") {
		return s
	}
	if mode := q.Get("mode"); contains(Modes, mode) {
		s.Mode = mode
	}
	if c := q.Get("category"); contains(Categories, c) {
		s.Category = c
	}
	if q.Has("event") {
		s.Event = q.Get("event")
	}
	if q.Has("detector") {
		s.Detector = q.Get("detector")
	}
	s.FullRate = q.Get("fullrate") != ""
	return s
}

// SessionStore is the store the dashboard keeps selections in.
type SessionStore = cache.SessionStore[string, Selection]

// loadSession returns the caller's session id and selection, issuing a new
// session cookie when the request has none.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (string, Selection) {
	if c, err := r.Cookie(SessionCookie); err == nil {
		if _, err := uuid.Parse(c.Value); err == nil {
			sel, err := s.sessions.Fetch(r.Context(), c.Value)
			if err == nil {
				return c.Value, sel
			}
			if !errors.Is(err, cache.ErrNotFound) {
				s.logger.Warn().Err(err).Msg("Failed to load session, starting a fresh selection.")
			}
			return c.Value, DefaultSelection()
		}
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id, DefaultSelection()
}

func (s *Server) saveSession(ctx context.Context, id string, sel Selection) {
	if err := s.sessions.Set(ctx, id, sel); err != nil {
		s.logger.Warn().Err(err).Str("session", id).Msg("Failed to save session selection.")
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
