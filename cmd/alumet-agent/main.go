// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/alumet-dev/alumet/internal/agent"
	"github.com/alumet-dev/alumet/pkg/plugin"

	// Plugins compiled into the agent.
	_ "github.com/alumet-dev/alumet/internal/plugins/aggregation"
	_ "github.com/alumet-dev/alumet/internal/plugins/attributes"
	_ "github.com/alumet-dev/alumet/internal/plugins/cgroupv2"
	_ "github.com/alumet-dev/alumet/internal/plugins/csv"
	_ "github.com/alumet-dev/alumet/internal/plugins/elasticsearch"
	_ "github.com/alumet-dev/alumet/internal/plugins/filter"
	_ "github.com/alumet-dev/alumet/internal/plugins/influxdb"
	_ "github.com/alumet-dev/alumet/internal/plugins/kafka"
	_ "github.com/alumet-dev/alumet/internal/plugins/logout"
	_ "github.com/alumet-dev/alumet/internal/plugins/mongodb"
	_ "github.com/alumet-dev/alumet/internal/plugins/opentelemetry"
	_ "github.com/alumet-dev/alumet/internal/plugins/procfs"
	_ "github.com/alumet-dev/alumet/internal/plugins/prometheusexporter"
	_ "github.com/alumet-dev/alumet/internal/plugins/rapl"
	_ "github.com/alumet-dev/alumet/internal/plugins/tdp"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	setupLog logr.Logger

	// CLI Options (alphabetical order)
	configPath         string
	controlAddr        string
	logFormat          string
	logLevel           string
	pluginList         string
	writeDefaultConfig bool
)

func init() {
	flag.StringVar(&configPath, "config", "alumet-config.toml",
		"Path to the configuration file, TOML or YAML. A default one is written if it does not exist")
	flag.StringVar(&controlAddr, "control-addr", "",
		"Address of the control server, overrides agent.control_address. Set this to '0' to disable it")
	flag.StringVar(&logFormat, "log-format", "",
		"Log format: 'console' or 'json', overrides agent.log_format")
	flag.StringVar(&logLevel, "log-level", "",
		"Log level: 'debug', 'info', 'warn' or 'error', overrides agent.log_level")
	flag.StringVar(&pluginList, "plugins", "",
		"Comma-separated list of the plugins to run, in start order. Overrides the enable settings")
	flag.BoolVar(&writeDefaultConfig, "write-default-config", false,
		"Write the default configuration to the -config path and exit")
	flag.Parse()

	setupLog = zapr.NewLogger(zap.Must(zap.NewDevelopment())).WithName("setup")
}

func newLogger(level, format string) (logr.Logger, error) {
	var zc zap.Config
	if format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.DisableStacktrace = true
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return logr.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	zc.Level = lvl
	z, err := zc.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(z), nil
}

func loadConfig() (agent.Config, error) {
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		setupLog.Info("Configuration file not found, writing the default one", "path", configPath)
		if err := agent.WriteDefaultConfig(configPath, plugin.Default()); err != nil {
			return agent.Config{}, err
		}
	}
	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	if logLevel != "" {
		cfg.Agent.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Agent.LogFormat = logFormat
	}
	switch controlAddr {
	case "":
	case "0":
		cfg.Agent.ControlAddress = ""
	default:
		cfg.Agent.ControlAddress = controlAddr
	}
	if pluginList != "" {
		var names []string
		for _, name := range strings.Split(pluginList, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		cfg.EnableOnly(names)
	}
	return cfg, cfg.Validate()
}

func main() {
	if writeDefaultConfig {
		if err := agent.WriteDefaultConfig(configPath, plugin.Default()); err != nil {
			setupLog.Error(err, "unable to write the default configuration")
			os.Exit(1)
		}
		setupLog.Info("Default configuration written", "path", configPath)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		setupLog.Error(err, "unable to load configuration", "path", configPath)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	if err != nil {
		setupLog.Error(err, "unable to create logger")
		os.Exit(1)
	}
	plugin.SetRegistryLogger(logger.WithName("plugins.registry"))

	a, err := agent.New(cfg, agent.WithLogger(logger), agent.WithVersion(version))
	if err != nil {
		setupLog.Error(err, "unable to create agent")
		os.Exit(1)
	}
	if err := a.Start(); err != nil {
		setupLog.Error(err, "unable to start agent")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		setupLog.Error(err, "agent stopped with errors")
		stop()
		os.Exit(1)
	}
}
