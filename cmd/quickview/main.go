package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-gwquickview/pkg/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

// CLI is the top-level command structure for quickview.
type CLI struct {
	Version  kong.VersionFlag `help:"Show version." short:"V"`
	Config   string           `help:"Path to the YAML config file." default:"quickview.yaml" type:"path"`
	LogLevel string           `help:"Override the configured log level."`

	Serve   ServeCmd   `cmd:"" help:"Serve the dashboard."`
	Events  EventsCmd  `cmd:"" help:"Print the catalogued event list."`
	Strain  StrainCmd  `cmd:"" help:"Fetch a strain window and summarise it."`
	Archive ArchiveCmd `cmd:"" help:"Fetch a strain window and upload it to GCS."`
}

// Globals are resolved once and handed to every command's Run.
type Globals struct {
	Config *config.Config
	Logger zerolog.Logger
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("quickview"),
		kong.Description("Browse gravitational-wave events and their open strain data."),
		kong.Vars{"version": fmt.Sprintf("%s (%s)", version, commit)},
		kong.UsageOnError(),
	)

	cfg, err := loadConfig(cli.Config, cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := newLogger(os.Stderr, cfg.LogLevel)

	err = kctx.Run(&Globals{Config: cfg, Logger: logger})
	kctx.FatalIfErrorf(err)
}

func loadConfig(path, logLevel string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger writes human-readable output to terminals and JSON otherwise.
func newLogger(w *os.File, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var out io.Writer = w
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ServeCmd runs the dashboard until interrupted.
type ServeCmd struct {
	ShutdownTimeout time.Duration `help:"How long to wait for in-flight requests on shutdown." default:"15s"`
}

// Run executes the serve command.
func (c *ServeCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, g.Config, g.Logger, true)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer a.Close()

	server, err := a.dashboard()
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	g.Logger.Info().Str("port", server.GetHTTPPort()).Msg("Dashboard is running.")

	<-ctx.Done()
	g.Logger.Info().Msg("Shutdown signal received.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// EventsCmd prints the event list, one name per line.
type EventsCmd struct{}

// Run executes the events command.
func (c *EventsCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, g.Config, g.Logger, false)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	defer a.Close()

	events, err := a.fetchers.Events.List(ctx)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	for _, name := range events {
		fmt.Fprintln(os.Stdout, name)
	}
	return nil
}

// WindowFlags select a strain window by event or GPS time.
type WindowFlags struct {
	Event    string  `help:"Event name, e.g. GW150914." xor:"time"`
	GPS      float64 `help:"Reference GPS time." xor:"time" name:"gps"`
	Detector string  `help:"Detector, defaults to the event's first or H1." short:"d"`
	FullRate bool    `help:"Use full sample rate data (16384 Hz)."`
}

func (w WindowFlags) validate() error {
	if w.Event == "" && w.GPS == 0 {
		return errors.New("one of --event or --gps is required")
	}
	return nil
}

// StrainCmd fetches a window and prints a summary, optionally writing a plot.
type StrainCmd struct {
	WindowFlags
	SVG string `help:"Write the plot to this SVG file." type:"path"`
}

// Run executes the strain command.
func (c *StrainCmd) Run(g *Globals) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("strain: %w", err)
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, g.Config, g.Logger, false)
	if err != nil {
		return fmt.Errorf("strain: %w", err)
	}
	defer a.Close()

	w, err := a.window(ctx, c.WindowFlags)
	if err != nil {
		return fmt.Errorf("strain: %w", err)
	}
	fmt.Fprintf(os.Stdout, "detector:    %s\n", w.strain.Detector)
	fmt.Fprintf(os.Stdout, "t0:          %.4f\n", w.strain.T0)
	fmt.Fprintf(os.Stdout, "sample rate: %d Hz (max band %d Hz)\n", w.strain.SampleRate, w.maxBand)
	fmt.Fprintf(os.Stdout, "samples:     %d (%.1f s)\n", len(w.strain.Samples), w.strain.Duration())
	fmt.Fprintf(os.Stdout, "peak:        %.3e\n", w.strain.PeakAmplitude())

	if c.SVG != "" {
		if err := os.WriteFile(c.SVG, []byte(w.svg(g.Config.Dashboard.MaxPoints)), 0o644); err != nil {
			return fmt.Errorf("strain: writing %s: %w", c.SVG, err)
		}
		g.Logger.Info().Str("path", c.SVG).Msg("Wrote strain plot.")
	}
	return nil
}

// ArchiveCmd fetches a window and uploads it to the configured bucket.
type ArchiveCmd struct {
	WindowFlags
}

// Run executes the archive command.
func (c *ArchiveCmd) Run(g *Globals) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if g.Config.Archive.Bucket == "" {
		return errors.New("archive: archive.bucket is not configured")
	}
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, g.Config, g.Logger, true)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	defer a.Close()

	w, err := a.window(ctx, c.WindowFlags)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	objects, err := a.archiver.Archive(ctx, w.gps, w.strain)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	for _, name := range objects {
		fmt.Fprintf(os.Stdout, "gs://%s/%s\n", g.Config.Archive.Bucket, name)
	}
	return nil
}
