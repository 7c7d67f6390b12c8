// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

// Sink consumes a stream of operations.
type Sink interface {
	Apply(op Operation) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(op Operation) error

// Apply implements Sink.
func (f SinkFunc) Apply(op Operation) error {
	return f(op)
}

// Stage wraps the next sink in a pipeline.
type Stage func(next Sink) Sink

// Chain builds a pipeline ending at sink. stages[0] sees operations first.
func Chain(sink Sink, stages ...Stage) Sink {
	for i := len(stages) - 1; i >= 0; i-- {
		sink = stages[i](sink)
	}
	return sink
}

// Discard is a sink that accepts and drops everything.
var Discard Sink = SinkFunc(func(Operation) error { return nil })

// Tee sends every operation to each sink in order and stops at the first
// error.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(op Operation) error {
		for _, s := range sinks {
			if err := s.Apply(op); err != nil {
				return err
			}
		}
		return nil
	})
}

// Filter returns a stage that forwards only the operations keep accepts.
func Filter(keep func(Operation) bool) Stage {
	return func(next Sink) Sink {
		return SinkFunc(func(op Operation) error {
			if !keep(op) {
				return nil
			}
			return next.Apply(op)
		})
	}
}

// DropHeaders is a stage that removes header operations.
func DropHeaders() Stage {
	return Filter(func(op Operation) bool { return op.Kind != OpHeader })
}
