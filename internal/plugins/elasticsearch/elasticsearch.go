// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package elasticsearch indexes the measurements in Elasticsearch or OpenSearch with the bulk API.
package elasticsearch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/elastic/go-elasticsearch/v8"

	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

const (
	Name    = "elasticsearch"
	Version = "0.1.0"
)

func init() {
	plugin.Register(Metadata())
}

// Metadata declares the plugin.
func Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:          Name,
		Version:       Version,
		Init:          Init,
		DefaultConfig: func() config.Table { return config.MustFromStruct(DefaultConfig()) },
	}
}

type Config struct {
	Addresses []string `toml:"addresses"`
	Username  string   `toml:"username,omitempty"`
	Password  string   `toml:"password,omitempty"`
	APIKey    string   `toml:"api_key,omitempty"`

	// Documents go to the index "<index_prefix>-<metric>[-<unit>][-<yyyy.mm.dd>]".
	IndexPrefix             string `toml:"index_prefix"`
	MetricUnitAsIndexSuffix bool   `toml:"metric_unit_as_index_suffix"`
	DailyIndex              bool   `toml:"daily_index"`

	Timeout         config.Duration `toml:"timeout"`
	ConnectAttempts int             `toml:"connect_attempts"`
}

func DefaultConfig() Config {
	return Config{
		Addresses:       []string{"http://localhost:9200"},
		IndexPrefix:     "alumet",
		DailyIndex:      true,
		Timeout:         config.Duration(10 * time.Second),
		ConnectAttempts: 5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if len(c.Addresses) == 0 {
		errs = append(errs, errors.New("at least one address is required"))
	}
	if c.IndexPrefix == "" {
		errs = append(errs, errors.New("index_prefix must not be empty"))
	}
	if c.APIKey != "" && c.Username != "" {
		errs = append(errs, errors.New("api_key and username are mutually exclusive"))
	}
	if c.Timeout <= 0 || c.ConnectAttempts <= 0 {
		errs = append(errs, errors.New("timeout and connect_attempts must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) newClient() (*elasticsearch.Client, error) {
	return elasticsearch.NewClient(elasticsearch.Config{
		Addresses: c.Addresses,
		Username:  c.Username,
		Password:  c.Password,
		APIKey:    c.APIKey,
	})
}

type Plugin struct {
	plugin.Base
	cfg Config
}

// Init decodes and validates the configuration.
func Init(tbl config.Table) (plugin.Plugin, error) {
	cfg := DefaultConfig()
	if err := tbl.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid %s configuration: %w", Name, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Plugin{Base: plugin.Base{PluginName: Name, PluginVersion: Version}, cfg: cfg}, nil
}

func (p *Plugin) Start(ctx *plugin.StartContext) error {
	client, err := p.cfg.newClient()
	if err != nil {
		return fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	if err := ping(client, p.cfg); err != nil {
		return err
	}
	ctx.Logger().Info("Connected to Elasticsearch", "addresses", p.cfg.Addresses)
	_, err = ctx.AddOutput("bulk", NewOutput(p.cfg, client, ctx.Logger()))
	return err
}

// ping checks the connection with the info API, with retries.
func ping(client *elasticsearch.Client, cfg Config) error {
	bg := context.Background()
	_, err := backoff.Retry(bg, func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(bg, cfg.Timeout.Std())
		defer cancel()
		res, err := client.Info(client.Info.WithContext(ctx))
		if err != nil {
			return struct{}{}, err
		}
		defer res.Body.Close()
		io.Copy(io.Discard, res.Body)
		if res.IsError() {
			err := fmt.Errorf("elasticsearch connection error: %s", res.Status())
			if res.StatusCode == 401 || res.StatusCode == 403 {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(uint(cfg.ConnectAttempts)))
	if err != nil {
		return fmt.Errorf("cannot reach elasticsearch at %v: %w", cfg.Addresses, err)
	}
	return nil
}
