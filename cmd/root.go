// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/atlas-cli/internal/config"
	"github.com/xkilldash9x/atlas-cli/internal/observability"
)

// contextKey namespaces the values the root command stores in the command
// context for its subcommands.
type contextKey string

const (
	configKey contextKey = "config"
	viperKey  contextKey = "viper"
)

// NewRootCommand builds a fresh command tree. Every invocation gets its
// own command and configuration instances, so no state leaks between
// executions; this is what makes the commands testable in isolation.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "atlas",
		Short:         "Atlas maps cloud infrastructure into a property graph and analyzes it for risk.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				// Fall back to a basic logger so the failure is visible.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "atlas"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting atlas", zap.String("version", Version))

			// Subcommands pull the validated config and the viper instance
			// back out of the context; the viper handle lets them layer
			// their own flag bindings on top before re-unmarshaling.
			ctx := context.WithValue(cmd.Context(), configKey, config.Interface(cfg))
			ctx = context.WithValue(ctx, viperKey, v)
			cmd.SetContext(ctx)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./atlas.yaml, then $HOME/.atlas/atlas.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newSyncCmd(NewSessionProvider()))
	rootCmd.AddCommand(newAnalyzeCmd(NewSessionProvider()))
	rootCmd.AddCommand(newSeedCmd())
	rootCmd.AddCommand(newStatusCmd(NewSessionProvider()))
	return rootCmd
}

// Execute builds a command tree and runs it under the given signal-aware
// context.
func Execute(ctx context.Context) error {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		return err
	}
	return nil
}

// initializeConfig wires the config file and ATLAS_* environment variables
// into the given viper instance. A missing config file is fine; an
// unreadable explicit one is not.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".atlas"))
		}
		v.SetConfigName("atlas")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("ATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// getConfigFromContext retrieves the validated configuration stored by the
// root command's PersistentPreRunE.
func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration missing from command context")
	}
	return cfg, nil
}

// finalizeConfig binds the given command flags into the context's viper
// instance and re-unmarshals, so flag values take precedence over
// environment and file values. bindings maps config keys to flag names.
func finalizeConfig(cmd *cobra.Command, bindings map[string]string) (config.Interface, error) {
	v, ok := cmd.Context().Value(viperKey).(*viper.Viper)
	if !ok || v == nil {
		return nil, errors.New("configuration missing from command context")
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return nil, fmt.Errorf("binding flag %q: %w", flag, err)
		}
	}
	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		return nil, fmt.Errorf("failed to re-unmarshal config with flag overrides: %w", err)
	}
	return cfg, nil
}
