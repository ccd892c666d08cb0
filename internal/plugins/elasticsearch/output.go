// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/go-logr/logr"

	"github.com/alumet-dev/alumet/internal/plugins/export"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
)

type bulkAction struct {
	Create struct {
		Index string `json:"_index"`
	} `json:"create"`
}

type document struct {
	Timestamp    string         `json:"@timestamp"`
	ResourceKind string         `json:"resource_kind"`
	ResourceID   string         `json:"resource_id"`
	ConsumerKind string         `json:"consumer_kind"`
	ConsumerID   string         `json:"consumer_id"`
	Value        any            `json:"value"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// bulkResponse is the part of the bulk API response read by the output.
type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// Output sends every buffer in one bulk request.
type Output struct {
	cfg    Config
	client *elasticsearch.Client
	logger logr.Logger
}

var _ pipeline.Output = (*Output)(nil)

func NewOutput(cfg Config, client *elasticsearch.Client, logger logr.Logger) *Output {
	return &Output{cfg: cfg, client: client, logger: logger}
}

func (o *Output) indexName(m metrics.Metric, ts measurement.Timestamp) string {
	var sb strings.Builder
	sb.WriteString(o.cfg.IndexPrefix)
	sb.WriteByte('-')
	sb.WriteString(strings.ToLower(m.Name))
	if o.cfg.MetricUnitAsIndexSuffix {
		sb.WriteByte('-')
		sb.WriteString(strings.ToLower(export.SanitizeName(m.Unit.UniqueName())))
	}
	if o.cfg.DailyIndex {
		sb.WriteByte('-')
		sb.WriteString(ts.Time().UTC().Format("2006.01.02"))
	}
	return sb.String()
}

func (o *Output) body(view measurement.View, reader pipeline.MetricReader) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := 0; i < view.Len(); i++ {
		p := view.At(i)
		m, err := export.Lookup(reader, p)
		if err != nil {
			return nil, err
		}
		rec := export.NewRecord(m, p, false)

		var action bulkAction
		action.Create.Index = o.indexName(m, p.Timestamp)
		if err := enc.Encode(action); err != nil {
			return nil, err
		}
		doc := document{
			Timestamp:    p.Timestamp.Time().UTC().Format(time.RFC3339Nano),
			ResourceKind: rec.ResourceKind,
			ResourceID:   rec.ResourceID,
			ConsumerKind: rec.ConsumerKind,
			ConsumerID:   rec.ConsumerID,
			Value:        rec.Value,
			Attributes:   rec.Attributes,
		}
		if err := enc.Encode(doc); err != nil {
			return nil, fmt.Errorf("failed to encode document of %s: %w", m.Name, err)
		}
	}
	return &buf, nil
}

func (o *Output) Write(view measurement.View, ctx *pipeline.OutputContext) error {
	if view.IsEmpty() {
		return nil
	}
	body, err := o.body(view, ctx.Metrics)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(context.Background(), o.cfg.Timeout.Std())
	defer cancel()
	res, err := o.client.Bulk(body, o.client.Bulk.WithContext(wctx))
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk request failed: %s", res.String())
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return fmt.Errorf("invalid bulk response: %w", err)
	}
	if !br.Errors {
		o.logger.V(1).Info("Documents indexed", "count", view.Len())
		return nil
	}
	failed := 0
	var first string
	for _, item := range br.Items {
		for _, r := range item {
			if r.Error == nil {
				continue
			}
			if failed == 0 {
				first = r.Error.Type + ": " + r.Error.Reason
			}
			failed++
		}
	}
	return fmt.Errorf("%d of %d documents rejected, first error: %s", failed, view.Len(), first)
}
