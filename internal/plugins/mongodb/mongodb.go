// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package mongodb inserts one document per point into a MongoDB collection.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/alumet-dev/alumet/internal/plugins/export"
	"github.com/alumet-dev/alumet/pkg/config"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/plugin"
)

const (
	Name    = "mongodb"
	Version = "0.1.0"
)

// Fields of every document. Attributes with the same key get the suffix "_field".
var reservedFields = []string{
	"measurement", "resource_kind", "resource_id", "resource_consumer_kind", "resource_consumer_id", "value", "timestamp",
}

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
	Host       string `toml:"host"`
	Port       string `toml:"port"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
	Username   string `toml:"username,omitempty"`
	Password   string `toml:"password,omitempty"`

	Timeout config.Duration `toml:"timeout"`
	// ConnectAttempts is the number of pings tried at startup before giving up.
	ConnectAttempts int `toml:"connect_attempts"`
}

func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            "27017",
		Database:        "alumet",
		Collection:      "measurements",
		Timeout:         config.Duration(10 * time.Second),
		ConnectAttempts: 5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Host == "" || c.Port == "" {
		errs = append(errs, errors.New("host and port are required"))
	}
	if c.Database == "" || c.Collection == "" {
		errs = append(errs, errors.New("database and collection are required"))
	}
	if (c.Username == "") != (c.Password == "") {
		errs = append(errs, errors.New("username and password must be set together"))
	}
	if c.Timeout <= 0 || c.ConnectAttempts <= 0 {
		errs = append(errs, errors.New("timeout and connect_attempts must be positive"))
	}
	return errors.Join(errs...)
}

// URI returns the connection string, without the credentials.
func (c Config) URI() string {
	return "mongodb://" + net.JoinHostPort(c.Host, c.Port)
}

func (c Config) clientOptions() *options.ClientOptions {
	opts := options.Client().ApplyURI(c.URI()).SetTimeout(c.Timeout.Std())
	if c.Username != "" {
		opts.SetAuth(options.Credential{Username: c.Username, Password: c.Password})
	}
	return opts
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
	logger := ctx.Logger()
	bg := context.Background()
	client, err := mongo.Connect(bg, p.cfg.clientOptions())
	if err != nil {
		return fmt.Errorf("failed to create MongoDB client for %s: %w", p.cfg.URI(), err)
	}

	_, err = backoff.Retry(bg, func() (struct{}, error) {
		err := client.Ping(bg, nil)
		if err != nil {
			logger.Info("MongoDB not reachable yet", "uri", p.cfg.URI(), "error", err.Error())
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(uint(p.cfg.ConnectAttempts)))
	if err != nil {
		client.Disconnect(bg)
		return fmt.Errorf("cannot reach MongoDB at %s: %w", p.cfg.URI(), err)
	}

	coll := client.Database(p.cfg.Database).Collection(p.cfg.Collection)
	out := NewOutput(coll, p.cfg.Timeout.Std(), logger)
	out.disconnect = client.Disconnect
	_, err = ctx.AddOutput("documents", out)
	return err
}

// Inserter is the part of mongo.Collection used by the output.
type Inserter interface {
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
}

// Output inserts the points of a buffer with one InsertMany call.
type Output struct {
	coll       Inserter
	timeout    time.Duration
	logger     logr.Logger
	disconnect func(context.Context) error
}

var (
	_ pipeline.Output  = (*Output)(nil)
	_ pipeline.Dropper = (*Output)(nil)
	_ Inserter         = (*mongo.Collection)(nil)
)

func NewOutput(coll Inserter, timeout time.Duration, logger logr.Logger) *Output {
	return &Output{coll: coll, timeout: timeout, logger: logger}
}

func (o *Output) Write(view measurement.View, ctx *pipeline.OutputContext) error {
	if view.IsEmpty() {
		return nil
	}
	docs := make([]interface{}, 0, view.Len())
	for i := 0; i < view.Len(); i++ {
		p := view.At(i)
		m, err := export.Lookup(ctx.Metrics, p)
		if err != nil {
			return err
		}
		docs = append(docs, document(m.Name, p))
	}

	wctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	res, err := o.coll.InsertMany(wctx, docs)
	if err != nil {
		return fmt.Errorf("failed to insert %d documents: %w", len(docs), err)
	}
	o.logger.V(2).Info("Inserted documents", "count", len(res.InsertedIDs))
	return nil
}

func document(metric string, p measurement.Point) bson.D {
	doc := bson.D{
		{Key: "measurement", Value: metric},
		{Key: "resource_kind", Value: p.Resource.Kind()},
		{Key: "resource_id", Value: p.Resource.ID()},
		{Key: "resource_consumer_kind", Value: p.Consumer.Kind()},
		{Key: "resource_consumer_id", Value: p.Consumer.ID()},
	}
	for _, a := range p.Attributes() {
		key := a.Key
		if slices.Contains(reservedFields, key) {
			key += "_field"
		}
		v := a.Value.Any()
		if u, ok := v.(uint64); ok {
			v = bsonUint(u)
		}
		doc = append(doc, bson.E{Key: key, Value: v})
	}
	var value any
	if u, ok := p.Value.Uint64(); ok {
		value = bsonUint(u)
	} else {
		value = p.Value.AsFloat64()
	}
	return append(doc,
		bson.E{Key: "value", Value: value},
		bson.E{Key: "timestamp", Value: p.Timestamp.Time().UTC()},
	)
}

// bsonUint converts v to an int64, BSON has no unsigned integers. Larger values are stored
// as decimal strings.
func bsonUint(v uint64) any {
	if v > math.MaxInt64 {
		return fmt.Sprintf("%d", v)
	}
	return int64(v)
}

// Drop disconnects the client.
func (o *Output) Drop() error {
	if o.disconnect == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	return o.disconnect(ctx)
}
