// File: cmd/root_test.go
package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/atlas-cli/internal/config"
)

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestRootCmd_NoArgs(t *testing.T) {
	out, err := executeCommand(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Atlas maps cloud infrastructure into a property graph")
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	_, err := executeCommand(t, "frobnicate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestRootCmd_RejectsInvalidConfig(t *testing.T) {
	t.Setenv("ATLAS_REPORT_FORMAT", "bogus")
	_, err := executeCommand(t, "seed", "--output", "ignored.ndjson")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load or validate config")
}

func TestInitializeConfig(t *testing.T) {
	t.Run("missing explicit config file is an error", func(t *testing.T) {
		v := viper.New()
		err := initializeConfig(v, filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("absent default config file is tolerated", func(t *testing.T) {
		t.Chdir(t.TempDir())
		v := viper.New()
		config.SetDefaults(v)
		require.NoError(t, initializeConfig(v, ""))
	})

	t.Run("environment variables override defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("ATLAS_REPORT_FORMAT", "xml")
		v := viper.New()
		config.SetDefaults(v)
		require.NoError(t, initializeConfig(v, ""))

		cfg, err := config.NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "xml", cfg.Report().Format)
	})

	t.Run("explicit config file values load", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "atlas.yaml")
		require.NoError(t, os.WriteFile(path, []byte("ingest:\n  batch_size: 77\n"), 0o644))

		v := viper.New()
		config.SetDefaults(v)
		require.NoError(t, initializeConfig(v, path))

		cfg, err := config.NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 77, cfg.Ingest().BatchSize)
	})
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	require.Error(t, err)

	cfg := newTestConfig(t)
	ctx := context.WithValue(context.Background(), configKey, config.Interface(cfg))
	got, err := getConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.Database().URL, got.Database().URL)
}

func TestFinalizeConfig(t *testing.T) {
	newCmd := func() *cobra.Command {
		cmd := &cobra.Command{Use: "x"}
		cmd.Flags().Int("batch-size", 0, "")
		v := viper.New()
		config.SetDefaults(v)
		cmd.SetContext(context.WithValue(context.Background(), viperKey, v))
		return cmd
	}

	t.Run("changed flag overrides the config default", func(t *testing.T) {
		cmd := newCmd()
		require.NoError(t, cmd.Flags().Set("batch-size", "250"))

		cfg, err := finalizeConfig(cmd, map[string]string{"ingest.batch_size": "batch-size"})
		require.NoError(t, err)
		assert.Equal(t, 250, cfg.Ingest().BatchSize)
	})

	t.Run("unchanged flag leaves the config value alone", func(t *testing.T) {
		cfg, err := finalizeConfig(newCmd(), map[string]string{"ingest.batch_size": "batch-size"})
		require.NoError(t, err)
		assert.Equal(t, 1000, cfg.Ingest().BatchSize)
	})

	t.Run("missing viper instance is an error", func(t *testing.T) {
		cmd := &cobra.Command{Use: "x"}
		cmd.SetContext(context.Background())
		_, err := finalizeConfig(cmd, nil)
		require.Error(t, err)
	})
}
