// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumet-dev/alumet/pkg/config"
)

func TestParseConfig(t *testing.T) {
	tbl, err := config.Parse([]byte(`
[agent]
log_level = "debug"
shutdown_timeout = "3s"
plugin_order = ["sink"]

[agent.pipeline]
queue_size = 8

[plugins.counter]
poll_interval = "1s"

[plugins.sink]
enable = false
`), config.FormatTOML)
	require.NoError(t, err)

	cfg, err := ParseConfig(tbl)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Agent.LogLevel)
	assert.Equal(t, "console", cfg.Agent.LogFormat)
	assert.Equal(t, 3*time.Second, cfg.Agent.ShutdownTimeout.Std())
	assert.Equal(t, 8, cfg.Agent.Pipeline.QueueSize)
	assert.Equal(t, 16, cfg.Agent.Pipeline.OutputQueueSize)
	assert.Equal(t, []string{"sink"}, cfg.Agent.PluginOrder)

	require.Contains(t, cfg.Plugins, "counter")
	assert.True(t, cfg.Plugins["counter"].Enabled)
	d, ok := cfg.Plugins["counter"].Settings.Duration("poll_interval")
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
	assert.False(t, cfg.Plugins["sink"].Enabled)
	assert.False(t, cfg.Plugins["sink"].Settings.Has("enable"))
	assert.NoError(t, cfg.Validate())
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"unknown section", "[other]\na = 1"},
		{"unknown agent key", "[agent]\nverbose = true"},
		{"enable not a bool", "[plugins.counter]\nenable = \"yes\""},
		{"plugin not a table", "[plugins]\ncounter = 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl, err := config.Parse([]byte(tt.toml), config.FormatTOML)
			require.NoError(t, err)
			_, err = ParseConfig(tbl)
			assert.Error(t, err)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default"},
		{name: "log level", mutate: func(c *Config) { c.Agent.LogLevel = "trace" }, wantErr: true},
		{name: "log format", mutate: func(c *Config) { c.Agent.LogFormat = "xml" }, wantErr: true},
		{name: "timeout", mutate: func(c *Config) { c.Agent.ShutdownTimeout = 0 }, wantErr: true},
		{name: "drop policy", mutate: func(c *Config) { c.Agent.Pipeline.DropPolicy = "random" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("ALUMET_LOG_FORMAT", "json")
	t.Setenv("ALUMET_SHUTDOWN_TIMEOUT", "2s")
	t.Setenv("ALUMET_PIPELINE_DROP_POLICY", "oldest")
	t.Setenv("ALUMET_PLUGIN_ORDER", "sink,counter")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "json", cfg.Agent.LogFormat)
	assert.Equal(t, "info", cfg.Agent.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.Agent.ShutdownTimeout.Std())
	assert.Equal(t, "oldest", cfg.Agent.Pipeline.DropPolicy)
	assert.Equal(t, []string{"sink", "counter"}, cfg.Agent.PluginOrder)

	t.Setenv("ALUMET_PIPELINE_QUEUE_SIZE", "many")
	assert.Error(t, cfg.ApplyEnv())
}

func TestConfig_SelectPlugins(t *testing.T) {
	reg := testRegistry(t, &droppingCapture{})

	names := func(sel []selectedPlugin) []string {
		var out []string
		for _, s := range sel {
			out = append(out, s.meta.Name)
		}
		return out
	}

	cfg := testConfig("counter", "sink", "broken")
	sel, err := cfg.selectPlugins(reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"broken", "counter", "sink"}, names(sel))

	cfg.Agent.PluginOrder = []string{"sink"}
	sel, err = cfg.selectPlugins(reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"sink", "broken", "counter"}, names(sel))

	cfg.EnableOnly([]string{"counter", "failstart"})
	sel, err = cfg.selectPlugins(reg)
	require.NoError(t, err)
	assert.Equal(t, []string{"counter", "failstart"}, names(sel))

	cfg.Plugins["gpu"] = PluginConfig{Enabled: true}
	_, err = cfg.selectPlugins(reg)
	assert.ErrorContains(t, err, `unknown plugin "gpu"`)
}

func TestWriteDefaultConfig(t *testing.T) {
	reg := testRegistry(t, &droppingCapture{})
	for _, file := range []string{"alumet-config.toml", "alumet-config.yaml"} {
		t.Run(file, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), file)
			require.NoError(t, WriteDefaultConfig(path, reg))
			_, err := os.Stat(path)
			require.NoError(t, err)

			cfg, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, DefaultConfig().Agent, cfg.Agent)
			require.Len(t, cfg.Plugins, 4)
			assert.False(t, cfg.Plugins["counter"].Enabled)
			d, ok := cfg.Plugins["counter"].Settings.Duration("poll_interval")
			assert.True(t, ok)
			assert.Equal(t, 5*time.Millisecond, d)
		})
	}
}
