// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package csv

import (
	stdcsv "encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/alumet-dev/alumet/internal/plugins/export"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
)

// Columns written before the attributes.
var fixedColumns = []string{
	"metric", "timestamp", "value",
	export.KeyResourceKind, export.KeyResourceID, export.KeyConsumerKind, export.KeyConsumerID,
}

// lateAttributes is the last column. It holds the attributes that were not known when the
// header was written, as "key=value" pairs.
const lateAttributes = "__late_attributes"

// Output appends one line per point to a CSV file.
//
// The header is written with the first non-empty buffer: its columns are the fixed ones, the
// sorted attribute keys of that buffer and lateAttributes.
type Output struct {
	cfg    Config
	path   string
	logger logr.Logger

	mu      sync.Mutex
	file    *os.File
	w       *stdcsv.Writer
	columns []string // attribute columns, nil until the header is written

	watcher *fsnotify.Watcher
	rotated atomic.Bool
	done    chan struct{}
}

var (
	_ pipeline.Output  = (*Output)(nil)
	_ pipeline.Dropper = (*Output)(nil)
)

// NewOutput creates the file, truncating an existing one.
func NewOutput(cfg Config, logger logr.Logger) (*Output, error) {
	path, err := filepath.Abs(cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("invalid output path %q: %w", cfg.OutputPath, err)
	}
	o := &Output{cfg: cfg, path: path, logger: logger.WithName("csv"), done: make(chan struct{})}
	if err := o.open(); err != nil {
		return nil, err
	}
	if cfg.ReopenOnRotate {
		if err := o.watch(); err != nil {
			o.file.Close()
			return nil, err
		}
	}
	return o, nil
}

func (o *Output) open() error {
	f, err := os.Create(o.path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", o.path, err)
	}
	o.file = f
	o.w = stdcsv.NewWriter(f)
	o.w.Comma = o.cfg.delimiter()
	o.columns = nil
	return nil
}

// watch follows the directory of the file: watching the file itself stops at its removal.
func (o *Output) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(o.path)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(o.path), err)
	}
	o.watcher = w
	go func() {
		for {
			select {
			case <-o.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name == o.path && ev.Has(fsnotify.Remove|fsnotify.Rename) {
					o.logger.V(1).Info("Output file moved, it will be recreated", "path", o.path, "op", ev.Op.String())
					o.rotated.Store(true)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				o.logger.Error(err, "File watcher error", "path", o.path)
			}
		}
	}()
	return nil
}

func (o *Output) Write(view measurement.View, ctx *pipeline.OutputContext) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return pipeline.Fatal(errors.New("output closed"))
	}
	if o.rotated.CompareAndSwap(true, false) {
		// Rows still buffered belong to the moved file.
		if err := o.flush(); err != nil {
			o.logger.Error(err, "Failed to flush the moved output file", "path", o.path)
		}
		o.file.Close()
		if err := o.open(); err != nil {
			return err
		}
	}
	if view.IsEmpty() {
		return nil
	}
	if o.columns == nil {
		if err := o.writeHeader(view); err != nil {
			return err
		}
	}

	for i := 0; i < view.Len(); i++ {
		p := view.At(i)
		m, err := export.Lookup(ctx.Metrics, p)
		if err != nil {
			return err
		}
		if err := o.w.Write(o.record(m, p)); err != nil {
			return fmt.Errorf("failed to write %s: %w", o.path, err)
		}
	}
	if o.cfg.ForceFlush {
		return o.flush()
	}
	return nil
}

func (o *Output) writeHeader(view measurement.View) error {
	keys := make(map[string]struct{})
	view.ForEach(func(p measurement.Point) {
		for _, a := range p.Attributes() {
			keys[a.Key] = struct{}{}
		}
	})
	columns := make([]string, 0, len(keys))
	for k := range keys {
		columns = append(columns, k)
	}
	slices.Sort(columns)

	header := slices.Concat(fixedColumns, columns, []string{lateAttributes})
	if err := o.w.Write(header); err != nil {
		return fmt.Errorf("failed to write header of %s: %w", o.path, err)
	}
	o.columns = columns
	return nil
}

func (o *Output) record(m metrics.Metric, p measurement.Point) []string {
	name := m.Name
	switch {
	case o.cfg.AppendUnit && o.cfg.UseDisplayName:
		name = export.DisplayMetricName(m)
	case o.cfg.AppendUnit:
		name = export.MetricName(m, true)
	}
	rec := make([]string, 0, len(fixedColumns)+len(o.columns)+1)
	rec = append(rec,
		name,
		p.Timestamp.Time().UTC().Format(time.RFC3339Nano),
		p.Value.String(),
		p.Resource.Kind(),
		p.Resource.ID(),
		p.Consumer.Kind(),
		p.Consumer.ID(),
	)

	// Attributes are sorted by key, like the columns.
	var late []string
	attrs := p.Attributes()
	j := 0
	for _, col := range o.columns {
		for j < len(attrs) && attrs[j].Key < col {
			late = append(late, escapeLate(attrs[j].Key)+"="+escapeLate(attrs[j].Value.String()))
			j++
		}
		if j < len(attrs) && attrs[j].Key == col {
			rec = append(rec, attrs[j].Value.String())
			j++
		} else {
			rec = append(rec, "")
		}
	}
	for ; j < len(attrs); j++ {
		late = append(late, escapeLate(attrs[j].Key)+"="+escapeLate(attrs[j].Value.String()))
	}
	return append(rec, strings.Join(late, ", "))
}

func escapeLate(s string) string {
	return strings.ReplaceAll(s, "=", `\=`)
}

func (o *Output) flush() error {
	o.w.Flush()
	if err := o.w.Error(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", o.path, err)
	}
	return nil
}

// Drop flushes and closes the file.
func (o *Output) Drop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	var errs []error
	if o.watcher != nil {
		close(o.done)
		errs = append(errs, o.watcher.Close())
	}
	errs = append(errs, o.flush(), o.file.Close())
	o.file = nil
	return errors.Join(errs...)
}
