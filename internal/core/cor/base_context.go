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
	"context"
	"errors"
	"log/slog"
	"os"
)

// BaseContext is the default Context. It is owned by a single execution and
// is not safe for concurrent use.
type BaseContext struct {
	data       map[string]interface{}
	errors     map[string]error
	errorOrder []string
	tempFiles  []string
	context    context.Context
}

// NewBaseContext returns an empty context with no Go context set.
func NewBaseContext() Context {
	return &BaseContext{
		data:      make(map[string]interface{}),
		errors:    make(map[string]error),
		tempFiles: make([]string, 0),
	}
}

// NewBaseContextWith returns an empty context bound to ctx.
func NewBaseContextWith(ctx context.Context) Context {
	out := NewBaseContext()
	out.SetContext(ctx)
	return out
}

func (c *BaseContext) SetContext(context context.Context) {
	c.context = context
}

func (c *BaseContext) GetContext() context.Context {
	return c.context
}

// Close removes registered scratch paths in reverse registration order.
// Directories are removed recursively.
func (c *BaseContext) Close() {
	for i := len(c.tempFiles) - 1; i >= 0; i-- {
		path := c.tempFiles[i]
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("failed to remove temporary path", "path", path, "error", err)
		}
	}
	c.tempFiles = c.tempFiles[:0]
}

func (c *BaseContext) Add(key string, value interface{}) Context {
	c.data[key] = value
	return c
}

func (c *BaseContext) AddTempFile(file string) {
	c.tempFiles = append(c.tempFiles, file)
}

func (c *BaseContext) GetTempFiles() []string {
	return c.tempFiles
}

// AddError records err for key. A second error for the same key replaces
// the first but keeps its original position.
func (c *BaseContext) AddError(key string, err error) {
	if err == nil {
		return
	}
	if _, ok := c.errors[key]; !ok {
		c.errorOrder = append(c.errorOrder, key)
	}
	c.errors[key] = err
}

func (c *BaseContext) GetErrors() map[string]error {
	return c.errors
}

func (c *BaseContext) Err() error {
	if len(c.errorOrder) == 0 {
		return nil
	}
	if len(c.errorOrder) == 1 {
		return c.errors[c.errorOrder[0]]
	}
	all := make([]error, 0, len(c.errorOrder))
	for _, key := range c.errorOrder {
		all = append(all, c.errors[key])
	}
	return errors.Join(all...)
}

func (c *BaseContext) Get(key string) interface{} {
	return c.data[key]
}

func (c *BaseContext) Remove(key string) {
	delete(c.data, key)
}

func (c *BaseContext) HasErrors() bool {
	return len(c.errors) > 0
}
