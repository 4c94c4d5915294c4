package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// cliConfig holds feedctl's own settings, layered file < env < flag by
// viper's usual precedence. The database connection itself is still read
// from DATABASE_URL directly by internal/infra/db.Open, matching every
// other entrypoint in this repo; cliConfig only covers the CLI's own
// concerns so a single operator machine can keep one feedctl.yaml around
// for defaults like --output format.
type cliConfig struct {
	OutputFormat string `mapstructure:"output_format"`
}

// loadCLIConfig reads feedctl.yaml from the working directory or
// /etc/feedctl if present, layering FEEDCTL_-prefixed environment
// variables on top; a missing config file is not an error, matching the
// precedent in pkg/config.LoadYAMLOverlay.
func loadCLIConfig() (*cliConfig, error) {
	v := viper.New()
	v.SetDefault("output_format", "text")

	v.SetConfigName("feedctl")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/feedctl")

	v.SetEnvPrefix("FEEDCTL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read feedctl config: %w", err)
		}
	}

	var cfg cliConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal feedctl config: %w", err)
	}
	return &cfg, nil
}
