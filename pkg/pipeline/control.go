// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pipeline

import (
	"errors"
	"fmt"
)

// ErrUnknownAction is returned by Engine.Control for an action it does not know.
var ErrUnknownAction = errors.New("unknown control action")

// Action is a control operation applied to the elements selected by a Pattern.
type Action string

const (
	// ActionPause stops polling the selected sources. Their ticks are skipped.
	ActionPause Action = "pause"
	// ActionResume resumes polling the selected sources.
	ActionResume Action = "resume"
	// ActionTrigger polls the selected sources as soon as possible, paused or not.
	ActionTrigger Action = "trigger"
	// ActionEnable enables the selected transforms and outputs.
	ActionEnable Action = "enable"
	// ActionDisable disables the selected transforms and outputs. Disabled transforms are
	// skipped and disabled outputs receive nothing.
	ActionDisable Action = "disable"
)

// Control applies action to the elements matched by p and returns how many were affected.
func (e *Engine) Control(action Action, p Pattern) (int, error) {
	if e.isStopped() {
		return 0, ErrEngineStopped
	}
	var n int
	switch action {
	case ActionPause, ActionResume:
		paused := action == ActionPause
		for _, s := range e.sources {
			if p.Matches(s.name) {
				s.paused.Store(paused)
				n++
			}
		}
	case ActionTrigger:
		for _, s := range e.sources {
			if p.Matches(s.name) {
				select {
				case s.pollNow <- struct{}{}:
				default:
					// a poll is already pending
				}
				n++
			}
		}
	case ActionEnable, ActionDisable:
		enabled := action == ActionEnable
		for _, t := range e.transforms {
			if p.Matches(t.name) {
				t.enabled.Store(enabled)
				n++
			}
		}
		for _, o := range e.outputs {
			if p.Matches(o.name) {
				o.enabled.Store(enabled)
				n++
			}
		}
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	e.logger.Info("Control applied", "action", action, "pattern", p.String(), "matched", n)
	return n, nil
}

// PauseSources stops polling the sources matched by p.
func (e *Engine) PauseSources(p Pattern) (int, error) { return e.Control(ActionPause, p) }

// ResumeSources resumes the sources matched by p.
func (e *Engine) ResumeSources(p Pattern) (int, error) { return e.Control(ActionResume, p) }

// TriggerSources polls the sources matched by p without waiting for their next tick.
func (e *Engine) TriggerSources(p Pattern) (int, error) { return e.Control(ActionTrigger, p) }

// SetTransformsEnabled enables or disables the transforms matched by p.
func (e *Engine) SetTransformsEnabled(p Pattern, enabled bool) (int, error) {
	if e.isStopped() {
		return 0, ErrEngineStopped
	}
	n := 0
	for _, t := range e.transforms {
		if p.Matches(t.name) {
			t.enabled.Store(enabled)
			n++
		}
	}
	return n, nil
}
