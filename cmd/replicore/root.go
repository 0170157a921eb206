package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/l1jgo/replicore/internal/config"
)

const (
	configEnv     = "REPLICORE_CONFIG"
	defaultConfig = "config/replicore.toml"
)

type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "replicore",
		Short:         "Entity kernel with UDP state replication",
		Long:          "replicore runs a fixed-rate entity kernel and replicates its pools to up to 63 peers over UDP.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default $"+configEnv+" or "+defaultConfig+")")

	cmd.AddCommand(newHostCommand(opts))
	cmd.AddCommand(newJoinCommand(opts))
	return cmd
}

// loadConfig resolves the config path: flag, then environment, then the
// default path. Only a missing default file falls back to built-in defaults.
func (o *rootOptions) loadConfig() (*config.Config, string, error) {
	path := o.ConfigPath
	if path == "" {
		path = os.Getenv(configEnv)
	}
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	cfg, err := config.Load(defaultConfig)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), "built-in defaults", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	return cfg, defaultConfig, nil
}
