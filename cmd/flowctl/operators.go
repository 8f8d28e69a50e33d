// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/flowbridge/flowcore/internal/node"
)

// builtinOperators is the registry flowctl resolves a node's "operator"
// config field against. A caller embedding internal/pipeline directly
// never touches this — it's flowctl's own convenience layer for running
// a pipeline straight off a YAML file without writing Go.
var builtinOperators = map[string]node.SingleOperator{
	"identity":  identityOperator{},
	"uppercase": fieldMapOperator{fn: strings.ToUpper},
}

func lookupOperator(name string) (any, error) {
	if name == "" {
		return identityOperator{}, nil
	}
	op, ok := builtinOperators[name]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q", name)
	}
	return op, nil
}

// identityOperator passes every item through unchanged.
type identityOperator struct{}

func (identityOperator) ProcessItem(_ context.Context, item any, _ node.Context) (any, error) {
	return item, nil
}

// fieldMapOperator applies fn to every string-valued field of a
// map[string]any item, leaving other item shapes untouched.
type fieldMapOperator struct {
	fn func(string) string
}

func (o fieldMapOperator) ProcessItem(_ context.Context, item any, _ node.Context) (any, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return item, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = o.fn(s)
			continue
		}
		out[k] = v
	}
	return out, nil
}
