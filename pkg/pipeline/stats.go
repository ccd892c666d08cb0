// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

// Stats contains metrics about the pipeline engine
type Stats struct {
	Polls           uint64 `json:"polls"`
	PollErrors      uint64 `json:"poll_errors"`
	Flushes         uint64 `json:"flushes"`
	PointsFlushed   uint64 `json:"points_flushed"`
	DroppedBuffers  uint64 `json:"dropped_buffers"`
	TransformErrors uint64 `json:"transform_errors"`
	Writes          uint64 `json:"writes"`
	WriteErrors     uint64 `json:"write_errors"`
	QueueLength     int    `json:"queue_length"`
	Running         bool   `json:"running"`
}

// ElementStatus describes one element of the pipeline.
type ElementStatus struct {
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`
	Plugin string `json:"plugin"`
	// State is one of running, paused, disabled, stopped, done and failed.
	State  string `json:"state"`
	Calls  uint64 `json:"calls"`
	Errors uint64 `json:"errors"`
}

// Health is the summary served by the health endpoint.
type Health struct {
	Healthy bool     `json:"healthy"`
	Failed  []string `json:"failed,omitempty"`
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Polls:           e.polls.Load(),
		PollErrors:      e.pollErrors.Load(),
		Flushes:         e.flushes.Load(),
		PointsFlushed:   e.pointsFlushed.Load(),
		DroppedBuffers:  e.queue.dropped.Load(),
		TransformErrors: e.transformErrors.Load(),
		Writes:          e.writes.Load(),
		WriteErrors:     e.writeErrors.Load(),
		QueueLength:     e.queue.len(),
		Running:         e.started.Load() && !e.isStopped(),
	}
}

// Elements returns the status of every element, sources first, in registration order.
func (e *Engine) Elements() []ElementStatus {
	stopped := e.isStopped()
	out := make([]ElementStatus, 0, len(e.sources)+len(e.transforms)+len(e.outputs))
	for _, s := range e.sources {
		state := "running"
		switch elementState(s.state.Load()) {
		case stateDone:
			state = "done"
		case stateFailed:
			state = "failed"
		case stateStopped:
			state = "stopped"
		default:
			if s.paused.Load() {
				state = "paused"
			}
		}
		out = append(out, ElementStatus{
			Name: s.name.String(), Kind: KindSource, Plugin: s.name.Plugin,
			State: state, Calls: s.polls.Load(), Errors: s.errors.Load(),
		})
	}
	for _, t := range e.transforms {
		out = append(out, ElementStatus{
			Name: t.name.String(), Kind: KindTransform, Plugin: t.name.Plugin,
			State: switchState(t.failed.Load(), t.enabled.Load(), stopped),
			Calls: t.calls.Load(), Errors: t.errors.Load(),
		})
	}
	for _, o := range e.outputs {
		out = append(out, ElementStatus{
			Name: o.name.String(), Kind: KindOutput, Plugin: o.name.Plugin,
			State: switchState(o.failed.Load(), o.enabled.Load(), stopped),
			Calls: o.calls.Load(), Errors: o.errors.Load(),
		})
	}
	return out
}

func switchState(failed, enabled, stopped bool) string {
	switch {
	case failed:
		return "failed"
	case stopped:
		return "stopped"
	case !enabled:
		return "disabled"
	default:
		return "running"
	}
}

// Health reports the engine unhealthy when it is not running or when every output failed.
func (e *Engine) Health() Health {
	h := Health{Healthy: e.started.Load() && !e.isStopped()}
	failedOutputs := 0
	for _, el := range e.Elements() {
		if el.State == "failed" {
			h.Failed = append(h.Failed, el.Name)
			if el.Kind == KindOutput {
				failedOutputs++
			}
		}
	}
	if len(e.outputs) > 0 && failedOutputs == len(e.outputs) {
		h.Healthy = false
	}
	return h
}
