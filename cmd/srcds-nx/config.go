// This file is part of NXDetour project, available at https://github.com/qrdl/nxdetour
// Copyright (c) 2024-2026 Ilya Caramishev. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at https://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix  = "SRCDS_NX"
	flagPrefix = "--nx-"
)

// Config is the launcher configuration. Everything the launcher doesn't recognise on
// the command line goes to the server.
type Config struct {
	// debug, info, warn or error
	LogLevel string `mapstructure:"log_level"`
	// log file, stderr when empty
	LogFile string `mapstructure:"log_file"`
	// name of the dedicated library
	Dedicated string `mapstructure:"dedicated"`
	// engine branch, detected when empty
	Game string `mapstructure:"game"`
	// path of the server executable, for app bundle detection
	Executable string `mapstructure:"executable"`
	// directories searched for game libraries before the dynamic linker's default
	SearchPath []string `mapstructure:"search_path"`
}

// splitArgs separates --nx-* launcher flags from the server command line.
// Launcher flags take their value after '='.
func splitArgs(args []string) (own, server []string) {
	for _, a := range args {
		if strings.HasPrefix(a, flagPrefix) {
			own = append(own, "--"+strings.TrimPrefix(a, flagPrefix))
		} else {
			server = append(server, a)
		}
	}
	return own, server
}

/*
LoadConfig reads srcds-nx.yaml from configDirs, if there is one, then SRCDS_NX_* environment
variables, then --nx-* flags from args. It returns the configuration and the arguments left for
the server.
*/
func LoadConfig(args []string, configDirs ...string) (*Config, []string, error) {
	own, server := splitArgs(args)

	fs := pflag.NewFlagSet("srcds-nx", pflag.ContinueOnError)
	fs.String("log-level", "info", "log level")
	fs.String("log-file", "", "log file")
	fs.String("dedicated", "dedicated", "dedicated library name")
	fs.String("game", "", "engine branch, e.g. l4d2, ins, doi")
	fs.String("executable", "", "server executable path")
	fs.StringSlice("search-path", nil, "game library directories")
	if err := fs.Parse(own); err != nil {
		return nil, nil, err
	}

	v := viper.New()
	v.SetConfigName("srcds-nx")
	v.SetConfigType("yaml")
	for _, d := range configDirs {
		v.AddConfigPath(d)
	}
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	for _, key := range []string{"log_level", "log_file", "dedicated", "game", "executable", "search_path"} {
		if err := v.BindPFlag(key, fs.Lookup(strings.ReplaceAll(key, "_", "-"))); err != nil {
			return nil, nil, fmt.Errorf("binding flag for %s: %w", key, err)
		}
	}

	if len(configDirs) > 0 {
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, server, nil
}

// InitLogger builds the logger cfg asks for. The returned closer closes the log file.
func InitLogger(cfg *Config) (*logrus.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w, closer = f, f
	}

	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}

	return &logrus.Logger{
		Out: w,
		Formatter: &logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
			DisableSorting:  true,
		},
		Hooks: make(logrus.LevelHooks),
		Level: lvl,
	}, closer, nil
}
