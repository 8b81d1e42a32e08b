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

package cor

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BaseChain runs its commands in order against one Context.
//
// Logic Flow:
//  1. A span named "<chain>_execute" wraps the whole execution.
//  2. Before each command the chain stops if the context already holds an
//     error, unless ContinueOnFailure(true) was set.
//  3. Commands whose IsExecutable returns false are skipped. The skip is
//     recorded as a span event and is not a failure.
//  4. Each executed command gets a child span; the context's Go context is
//     pointed at that span while the command runs and restored afterwards.
//  5. Whatever the command left under CtxOut becomes CtxIn for the next one.
type BaseChain struct {
	BaseCommand
	continueOnFailure bool
	commands          []Command
}

func NewBaseChain(name string) *BaseChain {
	return &BaseChain{BaseCommand: *NewBaseCommand(name)}
}

func (c *BaseChain) ContinueOnFailure(continueOnFailure bool) Chain {
	c.continueOnFailure = continueOnFailure
	return c
}

func (c *BaseChain) AddCommand(command Command) Chain {
	c.commands = append(c.commands, command)
	return c
}

// Commands returns the chain's commands in execution order.
func (c *BaseChain) Commands() []Command {
	return c.commands
}

// IsExecutable only needs a Go context; individual commands decide for
// themselves.
func (c *BaseChain) IsExecutable(context Context) bool {
	return context != nil && context.GetContext() != nil
}

func (c *BaseChain) Execute(chCtx Context) {
	parentCtx := chCtx.GetContext()
	outerCtx, chainSpan := c.Tracer.Start(parentCtx, fmt.Sprintf("%s_execute", c.GetName()))
	defer chainSpan.End()
	defer chCtx.SetContext(parentCtx)

	for _, command := range c.commands {
		if chCtx.HasErrors() && !c.continueOnFailure {
			chainSpan.AddEvent("stopped", trace.WithAttributes(attribute.String("next_command", command.GetName())))
			break
		}

		commandCtx, commandSpan := c.Tracer.Start(outerCtx, command.GetName())
		chCtx.SetContext(commandCtx)

		if !command.IsExecutable(chCtx) {
			commandSpan.AddEvent("skipped")
			commandSpan.End()
			chCtx.SetContext(outerCtx)
			continue
		}

		errorsBefore := len(chCtx.GetErrors())
		command.Execute(chCtx)
		chCtx.SetContext(outerCtx)

		if len(chCtx.GetErrors()) > errorsBefore {
			if err, ok := chCtx.GetErrors()[command.GetName()]; ok {
				commandSpan.RecordError(err)
			}
			commandSpan.SetStatus(codes.Error, "command failed")
		} else {
			commandSpan.SetStatus(codes.Ok, "")
		}
		commandSpan.End()

		out := chCtx.Get(CtxOut)
		chCtx.Remove(CtxIn)
		if out != nil {
			chCtx.Add(CtxIn, out)
		}
		chCtx.Remove(CtxOut)
	}

	if chCtx.HasErrors() {
		chainSpan.SetStatus(codes.Error, "chain failed")
	} else {
		chainSpan.SetStatus(codes.Ok, "")
	}
}
