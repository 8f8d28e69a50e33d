// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pipeline implements topology planning and the two execution
// engines (sequential, streaming) that run a list of nodes end to end,
// plus the resume protocol that lets a crashed pipeline pick back up.
package pipeline

import (
	"fmt"
	"time"

	"github.com/flowbridge/flowcore/internal/writer"
)

// NodeSpec describes one user-supplied pipeline stage before welding:
// its own input/output URIs, if any, are filled in or left blank for the
// planner to synthesize.
type NodeSpec struct {
	ID           string
	BatchSize    int
	ParallelSize int
	InputURI     string
	OutputURI    string
	Operator     any
	WriterConfig writer.Config
}

// Config describes an entire pipeline before planning: the externally
// supplied boundary URIs, internal-edge synthesis defaults, and the
// ordered list of node specs to weld between them.
type Config struct {
	PipelineID      string
	Streaming       bool
	InputURI        string
	OutputURI       string
	DefaultProtocol string
	BasePath        string
	ResultsDir      string
	ProtocolPrefix  string
	ReadTimeout     time.Duration
	Nodes           []NodeSpec
}

// plannedNode is one entry of the welded topology: a node spec plus its
// final, resolved input/output URIs and whether those URIs are internal
// (protocol_prefix/base_path apply) or externally supplied (they don't).
type plannedNode struct {
	spec             NodeSpec
	inputURI         string
	outputURI        string
	inputIsInternal  bool
	outputIsInternal bool
}

// plan welds cfg.Nodes into an ordered list of plannedNode, applying the
// weld rules: the first node's input is the pipeline's external input_uri,
// the last node's output is the pipeline's external output_uri, and every
// internal edge between two adjacent nodes is reconciled — matched if both
// sides declare a URI, copied from whichever side does if only one does,
// or synthesized if neither does.
func plan(cfg Config) ([]plannedNode, error) {
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("pipeline %s has no nodes", cfg.PipelineID)
	}

	nodes := make([]plannedNode, len(cfg.Nodes))
	for i, spec := range cfg.Nodes {
		nodes[i] = plannedNode{spec: spec, inputURI: spec.InputURI, outputURI: spec.OutputURI}
	}

	nodes[0].inputURI = cfg.InputURI
	nodes[0].inputIsInternal = false
	last := len(nodes) - 1
	nodes[last].outputURI = cfg.OutputURI
	nodes[last].outputIsInternal = false

	for i := 0; i < len(nodes)-1; i++ {
		left, right := &nodes[i], &nodes[i+1]
		switch {
		case left.outputURI != "" && right.inputURI != "":
			if left.outputURI != right.inputURI {
				return nil, fmt.Errorf(
					"pipeline %s: edge between %s and %s disagrees: output %q vs input %q",
					cfg.PipelineID, left.spec.ID, right.spec.ID, left.outputURI, right.inputURI)
			}
		case left.outputURI != "":
			right.inputURI = left.outputURI
		case right.inputURI != "":
			left.outputURI = right.inputURI
		default:
			uri := synthesizeURI(cfg.DefaultProtocol, cfg.PipelineID, left.spec.ID)
			left.outputURI = uri
			right.inputURI = uri
		}
		if i > 0 || left.spec.InputURI != "" {
			left.inputIsInternal = true
		}
		right.outputIsInternal = true
	}

	// The first node's input was just set above as external; everything
	// else an edge touches internally is flagged so planning knows where
	// protocol_prefix/base_path apply.
	nodes[0].inputIsInternal = false
	for i := 1; i < len(nodes); i++ {
		nodes[i].inputIsInternal = true
	}
	for i := 0; i < len(nodes)-1; i++ {
		nodes[i].outputIsInternal = true
	}
	nodes[last].outputIsInternal = false

	return nodes, nil
}

// synthesizeURI builds the default internal stream URI for an edge that
// neither adjacent node named explicitly.
func synthesizeURI(defaultProtocol, pipelineID, nodeID string) string {
	proto := defaultProtocol
	if proto == "" {
		proto = "jsonl"
	}
	return fmt.Sprintf("%s://%s/%s", proto, pipelineID, nodeID)
}
