// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cor (Chain of Responsibility) provides the building blocks the
// detection pipeline is assembled from. A run is a Chain of Commands that
// share a single Context: each command reads what earlier stages produced,
// does one unit of work, and writes its result back for the next stage.
package cor

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// CtxIn and CtxOut are the default keys used by BaseChain to pipe the
// output of one command into the input of the next.
const (
	CtxIn  = "__IN__"
	CtxOut = "__OUT__"
)

// Context is the shared state of one workflow execution. It carries data
// between commands, the errors they raised, and the scratch paths that must
// be removed when the execution ends.
type Context interface {
	// SetContext sets the Go context used for cancellation and tracing.
	SetContext(context context.Context)

	// GetContext returns the Go context of the command currently executing.
	GetContext() context.Context

	// Add stores a value under key and returns the Context for chaining.
	Add(key string, value interface{}) Context

	// AddError records an error raised by the command named key.
	AddError(key string, err error)

	// GetErrors returns every recorded error keyed by command name.
	GetErrors() map[string]error

	// Err returns the recorded errors joined in the order they were added,
	// or nil when the execution is clean.
	Err() error

	// Get returns the value stored under key, or nil.
	Get(key string) interface{}

	// Remove deletes the value stored under key.
	Remove(key string)

	// HasErrors reports whether any command recorded an error.
	HasErrors() bool

	// AddTempFile registers a file or directory that Close must remove.
	AddTempFile(file string)

	// GetTempFiles returns the registered scratch paths.
	GetTempFiles() []string

	// Close removes every registered scratch path. Callers defer it right
	// after creating the context.
	Close()
}

// Executable is anything with a unit of work driven by a Context.
type Executable interface {
	Execute(context Context)
}

// Command is one pipeline stage.
type Command interface {
	Executable

	// GetName returns the command name used for spans, metrics and error keys.
	GetName() string

	// GetInputParam returns the context key the command reads its input from.
	GetInputParam() string

	// GetOutputParam returns the context key the command writes its output to.
	GetOutputParam() string

	// IsExecutable reports whether the command applies to the current state.
	// A chain skips commands that are not executable without failing.
	IsExecutable(context Context) bool

	GetTracer() trace.Tracer
	GetMeter() metric.Meter
	GetSuccessCounter() metric.Int64Counter
	GetErrorCounter() metric.Int64Counter
}

// Chain is an ordered list of commands and is itself a Command, so chains
// nest.
type Chain interface {
	Command

	// ContinueOnFailure controls whether commands after a failure still run.
	ContinueOnFailure(bool) Chain

	// AddCommand appends a command to the chain.
	AddCommand(command Command) Chain
}
