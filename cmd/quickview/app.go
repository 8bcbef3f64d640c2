package main

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/illmade-knight/go-gwquickview/pkg/archive"
	"github.com/illmade-knight/go-gwquickview/pkg/cache"
	"github.com/illmade-knight/go-gwquickview/pkg/config"
	"github.com/illmade-knight/go-gwquickview/pkg/dashboard"
	"github.com/illmade-knight/go-gwquickview/pkg/enrichment"
	"github.com/illmade-knight/go-gwquickview/pkg/gwosc"
	"github.com/illmade-knight/go-gwquickview/pkg/quickview"
	"github.com/illmade-knight/go-gwquickview/pkg/types"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	fetchers *quickview.Fetchers
	archiver *archive.StrainArchiver
	closers  []io.Closer
}

func clientOptions(cfg *config.Config) []option.ClientOption {
	if cfg.CredentialsFile == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
}

// newApp connects the configured backends and builds the fetchers. The
// archiver is only created when withArchive is set and a bucket is
// configured.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, withArchive bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	client := gwosc.New(cfg.GWOSC, nil, logger)

	tiers := quickview.Tiers{}
	switch cfg.Cache.Backend {
	case quickview.BackendRedis:
		redisCfg := cfg.Redis
		tiers.Redis = &redisCfg
	case quickview.BackendFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID, clientOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("creating firestore client: %w", err)
		}
		a.closers = append(a.closers, fsClient)
		fsCfg := cfg.Firestore
		tiers.Firestore = fsClient
		tiers.FirestoreConfig = &fsCfg
	}

	fetchers, err := quickview.NewFetchers(ctx, cfg.Cache, client, tiers, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.fetchers = fetchers

	if withArchive && cfg.Archive.Bucket != "" {
		gcs, err := storage.NewClient(ctx, clientOptions(cfg)...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("creating storage client: %w", err)
		}
		a.closers = append(a.closers, gcs)
		a.archiver, err = archive.NewStrainArchiver(archive.NewGCSStore(gcs), cfg.Archive, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// sessionStore builds the configured session store.
func (a *app) sessionStore(ctx context.Context) (dashboard.SessionStore, error) {
	if a.cfg.Sessions.Backend == "redis" {
		redisCfg := a.cfg.Redis
		redisCfg.CacheTTL = a.cfg.Sessions.TTL
		return cache.NewRedisSessionStore[string, dashboard.Selection](ctx, &redisCfg, a.logger)
	}
	return cache.NewInMemorySessionStore[string, dashboard.Selection](a.cfg.Sessions.TTL), nil
}

// dashboard wires the fetchers, enrichment, archiver and sessions into the
// HTTP server.
func (a *app) dashboard() (*dashboard.Server, error) {
	sessions, err := a.sessionStore(context.Background())
	if err != nil {
		return nil, err
	}
	enrich, err := enrichment.NewEventDetailsEnricher(a.fetchers.Info.Info, a.logger)
	if err != nil {
		return nil, err
	}
	deps := dashboard.Deps{
		Strain:   a.fetchers.Strain,
		Events:   a.fetchers.Events,
		Info:     a.fetchers.Info,
		Enrich:   enrich,
		Stats:    a.fetchers,
		Sessions: sessions,
	}
	if a.archiver != nil {
		deps.Archiver = a.archiver
	}
	return dashboard.NewServer(dashboard.Config{
		HTTPPort:  a.cfg.HTTPPort,
		MaxPoints: a.cfg.Dashboard.MaxPoints,
	}, deps, a.logger)
}

type window struct {
	name    string
	gps     float64
	strain  types.Strain
	maxBand int
}

func (w window) svg(maxPoints int) string {
	title := w.strain.Detector + " strain"
	if w.name != "" {
		title += ", " + w.name
	}
	return dashboard.PlotSVG(w.strain, w.gps, dashboard.PlotOptions{MaxPoints: maxPoints, Title: title})
}

// window resolves the flags to a reference time and detector and loads the
// strain around it.
func (a *app) window(ctx context.Context, f WindowFlags) (window, error) {
	w := window{name: f.Event, gps: f.GPS}
	detector := f.Detector
	if f.Event != "" {
		info, err := a.fetchers.Info.Info(ctx, f.Event)
		if err != nil {
			return w, err
		}
		w.gps = info.GPS
		if detector == "" && len(info.Detectors) > 0 {
			detector = info.Detectors[0]
		}
	}
	if detector == "" {
		detector = "H1"
	}
	rate := quickview.DefaultSampleRate
	if f.FullRate {
		rate = quickview.FullSampleRate
	}
	w.maxBand = quickview.MaxBand(rate)

	s, err := a.fetchers.Strain.Load(ctx, w.gps, detector, rate)
	if err != nil {
		return w, err
	}
	w.strain = s
	return w, nil
}

// Close releases everything newApp opened, fetchers first.
func (a *app) Close() {
	if a.fetchers != nil {
		if err := a.fetchers.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Error closing fetchers.")
		}
	}
	if a.archiver != nil {
		_ = a.archiver.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Error closing client.")
		}
	}
}
