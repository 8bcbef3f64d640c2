package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLI_Parse(t *testing.T) {
	testCases := []struct {
		name    string
		args    []string
		command string
		check   func(t *testing.T, cli *CLI)
	}{
		{
			name:    "serve",
			args:    []string{"serve", "--shutdown-timeout=5s"},
			command: "serve",
			check: func(t *testing.T, cli *CLI) {
				assert.Equal(t, 5*time.Second, cli.Serve.ShutdownTimeout)
			},
		},
		{
			name:    "strain by event",
			args:    []string{"strain", "--event=GW150914", "-d", "L1", "--full-rate", "--svg=plot.svg"},
			command: "strain",
			check: func(t *testing.T, cli *CLI) {
				assert.Equal(t, "GW150914", cli.Strain.Event)
				assert.Equal(t, "L1", cli.Strain.Detector)
				assert.True(t, cli.Strain.FullRate)
				assert.Equal(t, "plot.svg", filepath.Base(cli.Strain.SVG))
			},
		},
		{
			name:    "archive by gps",
			args:    []string{"archive", "--gps=1126259462.4"},
			command: "archive",
			check: func(t *testing.T, cli *CLI) {
				assert.InDelta(t, 1126259462.4, cli.Archive.GPS, 1e-6)
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var cli CLI
			parser, err := kong.New(&cli, kong.Vars{"version": "test"})
			require.NoError(t, err)

			kctx, err := parser.Parse(tc.args)

			require.NoError(t, err)
			assert.Equal(t, tc.command, kctx.Command())
			tc.check(t, &cli)
		})
	}
}

func TestCLI_EventAndGPSAreExclusive(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"version": "test"})
	require.NoError(t, err)

	_, err = parser.Parse([]string{"strain", "--event=GW150914", "--gps=1"})
	assert.Error(t, err)
}

func TestWindowFlags_Validate(t *testing.T) {
	assert.Error(t, WindowFlags{}.validate())
	assert.NoError(t, WindowFlags{Event: "GW150914"}.validate())
	assert.NoError(t, WindowFlags{GPS: 1126259462.4}.validate())
}

func TestLoadConfig(t *testing.T) {
	t.Run("file, env and flag layers", func(t *testing.T) {
		// Arrange
		path := filepath.Join(t.TempDir(), "quickview.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log_level: warn\nhttp_port: \":9999\"\n"), 0o644))
		t.Setenv("GWQV_HTTP_PORT", "7000")

		// Act
		cfg, err := loadConfig(path, "debug")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, ":7000", cfg.HTTPPort)
	})

	t.Run("invalid config is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "quickview.yaml")
		require.NoError(t, os.WriteFile(path, []byte("cache:\n  backend: memcached\n"), 0o644))

		_, err := loadConfig(path, "")
		assert.Error(t, err)
	})
}
